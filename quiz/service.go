package quiz

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache"
)

// Source is the remote the caches read through: the quiz HTTP API on the
// client side, the DynamoDB table on the server side. Implementations return
// an error wrapping ErrNotFound when a quiz does not exist.
type Source interface {
	All(ctx context.Context) ([]Item, error)
	ByDate(ctx context.Context, gt GameType, date string) ([]Question, error)
	Dates(ctx context.Context, gt GameType) ([]string, error)
	Latest(ctx context.Context, gt GameType) (Item, error)
}

// Sweeper drops expired entries from a persisted tier.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Config struct {
	Source    Source       // required
	NewCaches CacheFactory // required
	Sweepers  []Sweeper
	Logger    *zap.Logger
}

// Service answers quiz reads from its caches and falls back to the full
// dataset when a narrower endpoint fails.
type Service struct {
	src      Source
	caches   Caches
	sweepers []Sweeper
	log      *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Source == nil {
		return nil, errors.New("quiz: Source is required")
	}
	if cfg.NewCaches == nil {
		return nil, errors.New("quiz: NewCaches is required")
	}
	s := &Service{
		src:      cfg.Source,
		sweepers: cfg.Sweepers,
		log:      cfg.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	caches, err := cfg.NewCaches(Fetchers{
		Questions: quizcache.FetchFunc[[]Question](s.fetchQuestions),
		Dates:     quizcache.FetchFunc[[]string](s.fetchDates),
		Dataset:   quizcache.FetchFunc[Dataset](s.fetchDataset),
	})
	if err != nil {
		return nil, fmt.Errorf("quiz: build caches: %w", err)
	}
	if caches.Questions == nil || caches.Dates == nil || caches.Dataset == nil {
		_ = caches.Close(context.Background())
		return nil, errors.New("quiz: NewCaches returned an incomplete set")
	}
	s.caches = caches
	return s, nil
}

// Questions returns the questions of gt on date. It never fails: a quiz that
// cannot be found or loaded yields an empty slice.
func (s *Service) Questions(ctx context.Context, gt GameType, date string) []Question {
	qs, ok := s.caches.Questions.Get(ctx, QuestionsKey(gt, date))
	if !ok {
		return []Question{}
	}
	return qs
}

// Dates returns the quiz dates of gt, newest first, or an empty slice.
func (s *Service) Dates(ctx context.Context, gt GameType) []string {
	dates, ok := s.caches.Dates.Get(ctx, DatesKey(gt))
	if !ok {
		return []string{}
	}
	return dates
}

// Dataset returns every question game's quizzes. When nothing can be loaded
// it returns an empty dataset with one entry per game.
func (s *Service) Dataset(ctx context.Context) Dataset {
	ds, ok := s.caches.Dataset.Get(ctx, DatasetKey())
	if !ok {
		return NewDataset(nil)
	}
	return ds
}

// Archive groups the dates of gt by year and month.
func (s *Service) Archive(ctx context.Context, gt GameType) Archive {
	return NewArchive(s.Dates(ctx, gt))
}

// Latest returns the newest quiz of gt. It bypasses the caches so pollers see
// new quizzes as soon as they are saved.
func (s *Service) Latest(ctx context.Context, gt GameType) (Item, error) {
	return s.src.Latest(ctx, gt)
}

// ClearDate drops the cached quiz of gt on date together with the entries
// derived from it: the game's date list and the full dataset.
func (s *Service) ClearDate(ctx context.Context, gt GameType, date string) error {
	err := errors.Join(
		s.caches.Questions.Invalidate(ctx, QuestionsKey(gt, date)),
		s.caches.Dates.Invalidate(ctx, DatesKey(gt)),
		s.caches.Dataset.Invalidate(ctx, DatasetKey()),
	)
	s.log.Info("quiz cache cleared", zap.String("gameType", string(gt)), zap.String("date", date), zap.Error(err))
	return err
}

// ClearGame drops every cached entry of gt and the full dataset.
func (s *Service) ClearGame(ctx context.Context, gt GameType) error {
	err := errors.Join(
		s.caches.Questions.InvalidateGroup(ctx, string(gt)),
		s.caches.Dates.InvalidateGroup(ctx, string(gt)),
		s.caches.Dataset.Invalidate(ctx, DatasetKey()),
	)
	s.log.Info("quiz game cache cleared", zap.String("gameType", string(gt)), zap.Error(err))
	return err
}

// ClearAll drops every cached entry.
func (s *Service) ClearAll(ctx context.Context) error {
	err := errors.Join(
		s.caches.Questions.InvalidateAll(ctx),
		s.caches.Dates.InvalidateAll(ctx),
		s.caches.Dataset.InvalidateAll(ctx),
	)
	s.log.Info("quiz cache cleared", zap.String("scope", "all"), zap.Error(err))
	return err
}

// Saved is called after a quiz was written to the store.
func (s *Service) Saved(ctx context.Context, it Item) error {
	return s.ClearDate(ctx, it.GameType, it.QuizDate)
}

// Cleanup sweeps expired entries out of the persisted tiers and returns how
// many were removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, sw := range s.sweepers {
		n, err := sw.Sweep(ctx)
		total += n
		errs = append(errs, err)
	}
	s.log.Debug("quiz cache swept", zap.Int("removed", total))
	return total, errors.Join(errs...)
}

// Status is a snapshot of the counters of every cache.
type Status struct {
	Questions quizcache.Stats `json:"questions"`
	Dates     quizcache.Stats `json:"dates"`
	Dataset   quizcache.Stats `json:"dataset"`
}

func (s *Service) Status() Status {
	return Status{
		Questions: s.caches.Questions.Stats(),
		Dates:     s.caches.Dates.Stats(),
		Dataset:   s.caches.Dataset.Stats(),
	}
}

func (s *Service) Close(ctx context.Context) error {
	return s.caches.Close(ctx)
}

// fetchQuestions asks the source for one date. When that fails it extracts
// the date from the full dataset. An empty result is reported as not found
// so it is never cached; when the source itself failed, that error is kept so
// the cache can still serve a stale value.
func (s *Service) fetchQuestions(ctx context.Context, key quizcache.Key) ([]Question, error) {
	gt := GameType(key.Group)
	qs, err := s.src.ByDate(ctx, gt, key.ID)
	if err == nil {
		return qs, nil
	}
	s.log.Warn("date fetch failed, falling back to dataset",
		zap.String("gameType", key.Group), zap.String("date", key.ID), zap.Error(err))

	if qs := s.Dataset(ctx).Questions(gt, key.ID); len(qs) > 0 {
		return qs, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, quizcache.ErrNotFound
	}
	return nil, err
}

// fetchDates asks the source for the date list and falls back to the keys
// of the full dataset. Dates are sorted newest first; an empty list is not
// cached.
func (s *Service) fetchDates(ctx context.Context, key quizcache.Key) ([]string, error) {
	gt := GameType(key.Group)
	dates, err := s.src.Dates(ctx, gt)
	if err != nil {
		s.log.Warn("dates fetch failed, falling back to dataset",
			zap.String("gameType", key.Group), zap.Error(err))
		dates = s.Dataset(ctx).Dates(gt)
	}
	if len(dates) == 0 {
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, quizcache.ErrNotFound
	}
	SortDates(dates)
	return dates, nil
}

func (s *Service) fetchDataset(ctx context.Context, _ quizcache.Key) (Dataset, error) {
	items, err := s.src.All(ctx)
	if err != nil {
		return nil, err
	}
	return NewDataset(items), nil
}
