// Package quizstore reads and writes quizzes in the DynamoDB quiz table.
// Items are keyed PK=QUIZ#<gameType>, SK=<quiz date>.
package quizstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/quiz"
)

var (
	// ErrNotFound is returned when no quiz matches.
	ErrNotFound = quiz.ErrNotFound
	// ErrTableNotFound is returned when the table does not exist.
	ErrTableNotFound = errors.New("quizstore: table not found")
)

const DefaultTable = "sedaily-quiz-data"

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

type Store struct {
	db    API
	table string
	now   func() time.Time
	log   *zap.Logger
}

var _ quiz.Source = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides the time stamped on saved items.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(db API, table string, opts ...Option) *Store {
	if table == "" {
		table = DefaultTable
	}
	s := &Store{db: db, table: table, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func partitionKey(gt quiz.GameType) string { return "QUIZ#" + string(gt) }

func key(gt quiz.GameType, date string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: partitionKey(gt)},
		"SK": &types.AttributeValueMemberS{Value: date},
	}
}

// Put saves it, replacing any quiz of the same game and date. It reports
// whether the quiz is new. An existing quiz keeps its creation time.
func (s *Store) Put(ctx context.Context, it quiz.Item) (bool, error) {
	if err := it.Validate(); err != nil {
		return false, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	rec := toRecord(it)
	rec.CreatedAt, rec.UpdatedAt = now, now

	existing, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  key(it.GameType, it.QuizDate),
		ProjectionExpression: aws.String("createdAt"),
	})
	created := true
	if err != nil {
		s.log.Warn("check existing quiz failed", zap.String("gameType", string(it.GameType)), zap.String("date", it.QuizDate), zap.Error(err))
	} else if len(existing.Item) > 0 {
		created = false
		var prev struct {
			CreatedAt string `dynamodbav:"createdAt"`
		}
		if err := attributevalue.UnmarshalMap(existing.Item, &prev); err == nil && prev.CreatedAt != "" {
			rec.CreatedAt = prev.CreatedAt
		}
	}

	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("quizstore: marshal %s %s: %w", it.GameType, it.QuizDate, err)
	}
	if _, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}); err != nil {
		return false, fmt.Errorf("quizstore: put %s %s: %w", it.GameType, it.QuizDate, classify(err))
	}
	s.log.Info("quiz saved",
		zap.String("gameType", string(it.GameType)), zap.String("date", it.QuizDate),
		zap.Bool("created", created), zap.Int("questions", len(it.Data.Questions)), zap.Int("terms", len(it.Data.Terms)))
	return created, nil
}

// Get returns the quiz of gt on date.
func (s *Store) Get(ctx context.Context, gt quiz.GameType, date string) (quiz.Item, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       key(gt, date),
	})
	if err != nil {
		return quiz.Item{}, fmt.Errorf("quizstore: get %s %s: %w", gt, date, classify(err))
	}
	if len(out.Item) == 0 {
		return quiz.Item{}, fmt.Errorf("%s %s: %w", gt, date, ErrNotFound)
	}
	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return quiz.Item{}, fmt.Errorf("quizstore: unmarshal %s %s: %w", gt, date, err)
	}
	return rec.item(), nil
}

// ByDate returns the questions of gt on date.
func (s *Store) ByDate(ctx context.Context, gt quiz.GameType, date string) ([]quiz.Question, error) {
	it, err := s.Get(ctx, gt, date)
	if err != nil {
		return nil, err
	}
	if it.Data.Questions == nil {
		return []quiz.Question{}, nil
	}
	return it.Data.Questions, nil
}

// ListByGame returns every quiz of gt, newest first.
func (s *Store) ListByGame(ctx context.Context, gt quiz.GameType) ([]quiz.Item, error) {
	recs, err := s.query(ctx, gt, 0, false)
	if err != nil {
		return nil, err
	}
	items := make([]quiz.Item, 0, len(recs))
	for _, r := range recs {
		items = append(items, r.item())
	}
	return items, nil
}

// Dates returns the quiz dates of gt, newest first.
func (s *Store) Dates(ctx context.Context, gt quiz.GameType) ([]string, error) {
	recs, err := s.query(ctx, gt, 0, true)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(recs))
	for _, r := range recs {
		dates = append(dates, r.SK)
	}
	return dates, nil
}

// Latest returns the newest quiz of gt.
func (s *Store) Latest(ctx context.Context, gt quiz.GameType) (quiz.Item, error) {
	recs, err := s.query(ctx, gt, 1, false)
	if err != nil {
		return quiz.Item{}, err
	}
	if len(recs) == 0 {
		return quiz.Item{}, fmt.Errorf("latest %s: %w", gt, ErrNotFound)
	}
	return recs[0].item(), nil
}

// All returns every quiz in the table.
func (s *Store) All(ctx context.Context) ([]quiz.Item, error) {
	p := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{TableName: aws.String(s.table)})
	var items []quiz.Item
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("quizstore: scan: %w", classify(err))
		}
		var recs []record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("quizstore: unmarshal scan page: %w", err)
		}
		for _, r := range recs {
			items = append(items, r.item())
		}
	}
	return items, nil
}

// QuizletSets lists the stored Quizlet sets, newest first.
func (s *Store) QuizletSets(ctx context.Context) ([]quiz.QuizletSet, error) {
	recs, err := s.query(ctx, quiz.Quizlet, 0, false)
	if err != nil {
		return nil, err
	}
	sets := make([]quiz.QuizletSet, 0, len(recs))
	for _, r := range recs {
		created, _ := time.Parse(time.RFC3339, r.CreatedAt)
		updated, _ := time.Parse(time.RFC3339, r.UpdatedAt)
		name := r.SetName
		if name == "" && r.Data != nil {
			name = r.Data.SetName
		}
		sets = append(sets, quiz.QuizletSet{
			ID:        r.SK,
			Name:      name,
			TermCount: r.TermCount,
			CreatedAt: created,
			UpdatedAt: updated,
		})
	}
	quiz.SortSets(sets)
	return sets, nil
}

// Count counts the items in the table with a COUNT scan. Unlike Describe it
// is exact, at the cost of reading the whole table.
func (s *Store) Count(ctx context.Context) (int, error) {
	p := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Select:    types.SelectCount,
	})
	total := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("quizstore: count: %w", classify(err))
		}
		total += int(page.Count)
	}
	return total, nil
}

// TableInfo is what DescribeTable reports. DynamoDB refreshes ItemCount and
// SizeBytes about every six hours.
type TableInfo struct {
	Name      string `json:"tableName"`
	ItemCount int64  `json:"itemCount"`
	SizeBytes int64  `json:"tableSizeBytes"`
	Status    string `json:"tableStatus"`
}

func (s *Store) Describe(ctx context.Context) (TableInfo, error) {
	out, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return TableInfo{}, fmt.Errorf("quizstore: describe %s: %w", s.table, classify(err))
	}
	t := out.Table
	if t == nil {
		return TableInfo{Name: s.table}, nil
	}
	return TableInfo{
		Name:      aws.ToString(t.TableName),
		ItemCount: aws.ToInt64(t.ItemCount),
		SizeBytes: aws.ToInt64(t.TableSizeBytes),
		Status:    string(t.TableStatus),
	}, nil
}

// query reads the partition of gt newest first. limit 0 reads it all.
func (s *Store) query(ctx context.Context, gt quiz.GameType, limit int32, keysOnly bool) ([]record, error) {
	b := expression.NewBuilder().
		WithKeyCondition(expression.Key("PK").Equal(expression.Value(partitionKey(gt))))
	if keysOnly {
		b = b.WithProjection(expression.NamesList(expression.Name("PK"), expression.Name("SK")))
	}
	expr, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("quizstore: build query: %w", err)
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}

	var recs []record
	p := dynamodb.NewQueryPaginator(s.db, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("quizstore: query %s: %w", gt, classify(err))
		}
		var batch []record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("quizstore: unmarshal %s: %w", gt, err)
		}
		recs = append(recs, batch...)
		if limit > 0 && len(recs) >= int(limit) {
			return recs[:limit], nil
		}
	}
	return recs, nil
}

// classify maps AWS error codes the callers branch on.
func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && strings.HasSuffix(ae.ErrorCode(), "ResourceNotFoundException") {
		return fmt.Errorf("%w: %s", ErrTableNotFound, ae.ErrorMessage())
	}
	return err
}
