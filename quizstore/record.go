package quizstore

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/unkn0wn-root/quizcache/quiz"
)

// record is one table item. Question games store their questions at the top
// level; Quizlet stores the whole data object, as the save Lambda does.
type record struct {
	PK            string       `dynamodbav:"PK"`
	SK            string       `dynamodbav:"SK"`
	GameType      string       `dynamodbav:"gameType"`
	QuizDate      string       `dynamodbav:"quizDate"`
	Questions     []question   `dynamodbav:"questions,omitempty"`
	QuestionCount int          `dynamodbav:"questionCount,omitempty"`
	Data          *quizletData `dynamodbav:"data,omitempty"`
	SetName       string       `dynamodbav:"setName,omitempty"`
	TermCount     int          `dynamodbav:"termCount,omitempty"`
	CreatedAt     string       `dynamodbav:"createdAt,omitempty"`
	UpdatedAt     string       `dynamodbav:"updatedAt,omitempty"`
}

type quizletData struct {
	SetName string `dynamodbav:"setName"`
	Terms   []term `dynamodbav:"terms"`
}

type term struct {
	ID          string `dynamodbav:"id,omitempty"`
	Term        string `dynamodbav:"term"`
	Definition  string `dynamodbav:"definition"`
	Explanation string `dynamodbav:"explanation,omitempty"`
}

type question struct {
	ID             string          `dynamodbav:"id,omitempty"`
	QuestionType   string          `dynamodbav:"questionType,omitempty"`
	Question       string          `dynamodbav:"question"`
	Options        []string        `dynamodbav:"options,omitempty"`
	Hint           hint            `dynamodbav:"hint,omitempty"`
	Answer         string          `dynamodbav:"answer"`
	Explanation    string          `dynamodbav:"explanation,omitempty"`
	NewsLink       string          `dynamodbav:"newsLink,omitempty"`
	Tags           string          `dynamodbav:"tags,omitempty"`
	RelatedArticle *relatedArticle `dynamodbav:"relatedArticle,omitempty"`
}

type relatedArticle struct {
	Title   string `dynamodbav:"title"`
	Excerpt string `dynamodbav:"excerpt"`
}

// hint is stored as a string when there is one and as a list otherwise.
type hint []string

var (
	_ attributevalue.Marshaler   = hint(nil)
	_ attributevalue.Unmarshaler = (*hint)(nil)
)

func (h hint) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	switch len(h) {
	case 0:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case 1:
		return &types.AttributeValueMemberS{Value: h[0]}, nil
	}
	l := make([]types.AttributeValue, len(h))
	for i, s := range h {
		l[i] = &types.AttributeValueMemberS{Value: s}
	}
	return &types.AttributeValueMemberL{Value: l}, nil
}

func (h *hint) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberNULL:
		*h = nil
	case *types.AttributeValueMemberS:
		*h = hint{v.Value}
	case *types.AttributeValueMemberL:
		out := make(hint, 0, len(v.Value))
		for _, e := range v.Value {
			s, ok := e.(*types.AttributeValueMemberS)
			if !ok {
				return fmt.Errorf("quizstore: hint list holds %T", e)
			}
			out = append(out, s.Value)
		}
		*h = out
	default:
		return fmt.Errorf("quizstore: unsupported hint attribute %T", av)
	}
	return nil
}

func toRecord(it quiz.Item) record {
	r := record{
		PK:       partitionKey(it.GameType),
		SK:       it.QuizDate,
		GameType: string(it.GameType),
		QuizDate: it.QuizDate,
	}
	if it.GameType == quiz.Quizlet {
		d := &quizletData{SetName: it.Data.SetName, Terms: make([]term, 0, len(it.Data.Terms))}
		for _, t := range it.Data.Terms {
			d.Terms = append(d.Terms, term(t))
		}
		r.Data = d
		r.SetName = it.Data.SetName
		r.TermCount = len(d.Terms)
		return r
	}
	r.Questions = make([]question, 0, len(it.Data.Questions))
	for _, q := range it.Data.Questions {
		sq := question{
			ID:           q.ID,
			QuestionType: q.QuestionType,
			Question:     q.Question,
			Options:      q.Options,
			Hint:         hint(q.Hint),
			Answer:       q.Answer,
			Explanation:  q.Explanation,
			NewsLink:     q.NewsLink,
			Tags:         q.Tags,
		}
		if q.RelatedArticle != nil {
			sq.RelatedArticle = &relatedArticle{Title: q.RelatedArticle.Title, Excerpt: q.RelatedArticle.Excerpt}
		}
		r.Questions = append(r.Questions, sq)
	}
	r.QuestionCount = len(r.Questions)
	return r
}

func (r record) item() quiz.Item {
	gt := quiz.GameType(r.GameType)
	if gt == "" {
		gt = quiz.GameType(strings.TrimPrefix(r.PK, "QUIZ#"))
	}
	date := r.QuizDate
	if date == "" {
		date = r.SK
	}
	it := quiz.Item{GameType: gt, QuizDate: date, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
	if r.Data != nil {
		it.Data.SetName = r.Data.SetName
		for _, t := range r.Data.Terms {
			it.Data.Terms = append(it.Data.Terms, quiz.Term(t))
		}
	}
	if it.Data.SetName == "" {
		it.Data.SetName = r.SetName
	}
	for _, q := range r.Questions {
		dq := quiz.Question{
			ID:           q.ID,
			QuestionType: q.QuestionType,
			Question:     q.Question,
			Options:      q.Options,
			Hint:         quiz.Hint(q.Hint),
			Answer:       q.Answer,
			Explanation:  q.Explanation,
			NewsLink:     q.NewsLink,
			Tags:         q.Tags,
		}
		if q.RelatedArticle != nil {
			dq.RelatedArticle = &quiz.RelatedArticle{Title: q.RelatedArticle.Title, Excerpt: q.RelatedArticle.Excerpt}
		}
		it.Data.Questions = append(it.Data.Questions, dq)
	}
	return it
}
