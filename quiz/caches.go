package quiz

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/quizcache"
	"github.com/unkn0wn-root/quizcache/codec"
	gen "github.com/unkn0wn-root/quizcache/genstore"
	pr "github.com/unkn0wn-root/quizcache/provider"
)

// Cache namespaces. They prefix every storage and generation key.
const (
	NamespaceQuestions = "quiz:questions"
	NamespaceDates     = "quiz:dates"
	NamespaceDataset   = "quiz:dataset"
)

const (
	DefaultQuestionsTTL = 10 * time.Minute
	DefaultPersistTTL   = 15 * time.Minute
	DefaultDatasetTTL   = 5 * time.Minute

	// DefaultMaxDatasetBytes caps a dataset entry read back from a tier.
	DefaultMaxDatasetBytes = 32 << 20
)

// Caches are the three read-through caches a Service reads from.
type Caches struct {
	Questions quizcache.Cache[[]Question]
	Dates     quizcache.Cache[[]string]
	Dataset   quizcache.Cache[Dataset]
}

// Close closes every cache.
func (c Caches) Close(ctx context.Context) error {
	var errs []error
	if c.Questions != nil {
		errs = append(errs, c.Questions.Close(ctx))
	}
	if c.Dates != nil {
		errs = append(errs, c.Dates.Close(ctx))
	}
	if c.Dataset != nil {
		errs = append(errs, c.Dataset.Close(ctx))
	}
	return errors.Join(errs...)
}

// Fetchers load each cache's values on a full miss. The Service builds them
// and hands them to its CacheFactory.
type Fetchers struct {
	Questions quizcache.Fetcher[[]Question]
	Dates     quizcache.Fetcher[[]string]
	Dataset   quizcache.Fetcher[Dataset]
}

// CacheFactory builds Caches around the Service's fetchers.
type CacheFactory func(Fetchers) (Caches, error)

// CacheOptions describe the standard cache layout: the same memory and
// persisted providers and generation store shared by all three caches,
// separated by namespace.
type CacheOptions struct {
	Memory    pr.Provider // required
	Persisted pr.Provider
	GenStore  gen.GenStore // shared so ClearAll and ClearGame reach every cache

	QuestionsTTL time.Duration // 0 => 10m; dates use twice this
	PersistTTL   time.Duration // 0 => 15m; dates use twice this
	DatasetTTL   time.Duration // 0 => 5m
	MaxDataset   int           // bytes; 0 => DefaultMaxDatasetBytes, < 0 => no limit
	StaleFor     time.Duration
	FetchTimeout time.Duration

	SchemaVersion string
	Logger        quizcache.Logger
	Hooks         func(namespace string) quizcache.Hooks
	Tracer        trace.Tracer
	Now           func() time.Time
}

// Build implements CacheFactory.
// Questions are stored as JSON, dates as msgpack and the dataset as CBOR.
func (o CacheOptions) Build(f Fetchers) (Caches, error) {
	qTTL := o.QuestionsTTL
	if qTTL <= 0 {
		qTTL = DefaultQuestionsTTL
	}
	pTTL := o.PersistTTL
	if pTTL <= 0 {
		pTTL = DefaultPersistTTL
	}
	dsTTL := o.DatasetTTL
	if dsTTL <= 0 {
		dsTTL = DefaultDatasetTTL
	}
	dsMax := o.MaxDataset
	if dsMax == 0 {
		dsMax = DefaultMaxDatasetBytes
	}

	questions, err := quizcache.New(quizcache.Options[[]Question]{
		Namespace:     NamespaceQuestions,
		Memory:        o.Memory,
		Persisted:     o.Persisted,
		Codec:         codec.JSON[[]Question]{},
		Fetcher:       f.Questions,
		SchemaVersion: o.SchemaVersion,
		MemoryTTL:     qTTL,
		PersistTTL:    pTTL,
		StaleFor:      o.StaleFor,
		FetchTimeout:  o.FetchTimeout,
		GenStore:      o.GenStore,
		Logger:        o.Logger,
		Hooks:         o.hooks(NamespaceQuestions),
		Tracer:        o.Tracer,
		Now:           o.Now,
	})
	if err != nil {
		return Caches{}, err
	}

	dates, err := quizcache.New(quizcache.Options[[]string]{
		Namespace:     NamespaceDates,
		Memory:        o.Memory,
		Persisted:     o.Persisted,
		Codec:         codec.Msgpack[[]string]{},
		Fetcher:       f.Dates,
		SchemaVersion: o.SchemaVersion,
		MemoryTTL:     2 * qTTL,
		PersistTTL:    2 * pTTL,
		StaleFor:      o.StaleFor,
		FetchTimeout:  o.FetchTimeout,
		GenStore:      o.GenStore,
		Logger:        o.Logger,
		Hooks:         o.hooks(NamespaceDates),
		Tracer:        o.Tracer,
		Now:           o.Now,
	})
	if err != nil {
		_ = questions.Close(context.Background())
		return Caches{}, err
	}

	dataset, err := quizcache.New(quizcache.Options[Dataset]{
		Namespace:     NamespaceDataset,
		Memory:        o.Memory,
		Persisted:     o.Persisted,
		Codec:         codec.Limit[Dataset]{Inner: codec.MustCBOR[Dataset](true), Max: dsMax},
		Fetcher:       f.Dataset,
		SchemaVersion: o.SchemaVersion,
		MemoryTTL:     dsTTL,
		PersistTTL:    pTTL,
		StaleFor:      o.StaleFor,
		FetchTimeout:  o.FetchTimeout,
		GenStore:      o.GenStore,
		Logger:        o.Logger,
		Hooks:         o.hooks(NamespaceDataset),
		Tracer:        o.Tracer,
		Now:           o.Now,
	})
	if err != nil {
		_ = questions.Close(context.Background())
		_ = dates.Close(context.Background())
		return Caches{}, err
	}

	return Caches{Questions: questions, Dates: dates, Dataset: dataset}, nil
}

func (o CacheOptions) hooks(ns string) quizcache.Hooks {
	if o.Hooks == nil {
		return nil
	}
	return o.Hooks(ns)
}
