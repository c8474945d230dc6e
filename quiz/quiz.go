// Package quiz holds the quiz domain: game types, questions, the full
// dataset shape, and a Service that reads them through three tiered caches.
package quiz

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/unkn0wn-root/quizcache"
)

// GameType names one quiz game. It is also the cache group for its entries.
type GameType string

const (
	BlackSwan        GameType = "BlackSwan"
	PrisonersDilemma GameType = "PrisonersDilemma"
	SignalDecoding   GameType = "SignalDecoding"
	Quizlet          GameType = "Quizlet"
)

// QuestionGames are the game types whose items carry questions. Quizlet items
// carry terms and are left out of the dataset.
var QuestionGames = []GameType{BlackSwan, PrisonersDilemma, SignalDecoding}

// gameIDs maps the public game ids used in URLs to game types.
var gameIDs = map[string]GameType{
	"g1": BlackSwan,
	"g2": PrisonersDilemma,
	"g3": SignalDecoding,
}

var (
	ErrNotFound        = errors.New("quiz: not found")
	ErrUnknownGameType = errors.New("quiz: unknown game type")
	ErrInvalidDate     = errors.New("quiz: invalid date")
)

// DateLayout is the layout of quiz dates and of the table's sort key.
const DateLayout = "2006-01-02"

// ParseGameType accepts a game type name or a game id ("g1".."g3").
func ParseGameType(s string) (GameType, error) {
	if gt, ok := gameIDs[s]; ok {
		return gt, nil
	}
	switch gt := GameType(s); gt {
	case BlackSwan, PrisonersDilemma, SignalDecoding, Quizlet:
		return gt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGameType, s)
}

// HasQuestions reports whether items of gt carry questions.
func (gt GameType) HasQuestions() bool {
	return gt == BlackSwan || gt == PrisonersDilemma || gt == SignalDecoding
}

// ParseDate checks that s is a calendar date in DateLayout.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t, nil
}

type RelatedArticle struct {
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

// Hint is one or more hints for a short-answer question. On the wire it is
// either a string or an array of strings; a single hint is written as a string.
type Hint []string

func (h Hint) MarshalJSON() ([]byte, error) {
	if len(h) == 1 {
		return json.Marshal(h[0])
	}
	return json.Marshal([]string(h))
}

func (h *Hint) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*h = nil
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*h = Hint{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return fmt.Errorf("quiz: hint must be a string or an array of strings: %w", err)
	}
	*h = Hint(ss)
	return nil
}

type Question struct {
	ID             string          `json:"id,omitempty"`
	QuestionType   string          `json:"questionType,omitempty"`
	Question       string          `json:"question" validate:"required"`
	Options        []string        `json:"options,omitempty"`
	Hint           Hint            `json:"hint,omitempty"`
	Answer         string          `json:"answer" validate:"required"`
	Explanation    string          `json:"explanation,omitempty"`
	NewsLink       string          `json:"newsLink,omitempty"`
	Tags           string          `json:"tags,omitempty"`
	RelatedArticle *RelatedArticle `json:"relatedArticle,omitempty"`
}

// Term is one Quizlet card.
type Term struct {
	ID          string `json:"id,omitempty"`
	Term        string `json:"term" validate:"required"`
	Definition  string `json:"definition" validate:"required"`
	Explanation string `json:"explanation,omitempty"`
}

// ItemData is the payload of a stored quiz. Questions is set for question
// games, Terms and SetName for Quizlet.
type ItemData struct {
	Questions []Question `json:"questions,omitempty" validate:"dive"`
	Terms     []Term     `json:"terms,omitempty" validate:"dive"`
	SetName   string     `json:"setName,omitempty"`
}

// Item is one quiz for one game on one date.
type Item struct {
	GameType  GameType `json:"gameType"`
	QuizDate  string   `json:"quizDate"`
	Data      ItemData `json:"data"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
}

// Validate checks the fields a save requires.
func (it Item) Validate() error {
	if _, err := ParseGameType(string(it.GameType)); err != nil {
		return err
	}
	if _, err := ParseDate(it.QuizDate); err != nil {
		return err
	}
	if it.GameType == Quizlet {
		if len(it.Data.Terms) == 0 || strings.TrimSpace(it.Data.SetName) == "" {
			return errors.New("quiz: Quizlet items need terms and setName")
		}
		return nil
	}
	if len(it.Data.Questions) == 0 {
		return errors.New("quiz: items need at least one question")
	}
	return nil
}

// QuizletSet summarizes one stored Quizlet set.
type QuizletSet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TermCount int       `json:"termCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SortSets sorts sets newest first by creation time.
func SortSets(sets []QuizletSet) {
	sort.SliceStable(sets, func(i, j int) bool { return sets[i].CreatedAt.After(sets[j].CreatedAt) })
}

// Dataset is every question game's quizzes by date.
type Dataset map[GameType]map[string][]Question

// NewDataset groups items into a Dataset. Items of games without questions
// are skipped; a later item for the same game and date wins.
func NewDataset(items []Item) Dataset {
	ds := make(Dataset, len(QuestionGames))
	for _, gt := range QuestionGames {
		ds[gt] = map[string][]Question{}
	}
	for _, it := range items {
		if !it.GameType.HasQuestions() {
			continue
		}
		ds[it.GameType][it.QuizDate] = it.Data.Questions
	}
	return ds
}

// Questions returns the questions of gt on date, or nil.
func (ds Dataset) Questions(gt GameType, date string) []Question {
	return ds[gt][date]
}

// Dates returns the dates of gt newest first.
func (ds Dataset) Dates(gt GameType) []string {
	dates := make([]string, 0, len(ds[gt]))
	for d := range ds[gt] {
		dates = append(dates, d)
	}
	SortDates(dates)
	return dates
}

// SortDates sorts ISO dates newest first.
func SortDates(dates []string) {
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
}

// Archive groups dates by year and month, newest first at every level.
type Archive struct {
	Years []ArchiveYear `json:"years"`
}

type ArchiveYear struct {
	Year   int            `json:"year"`
	Months []ArchiveMonth `json:"months"`
}

type ArchiveMonth struct {
	Month int      `json:"month"`
	Dates []string `json:"dates"`
}

// NewArchive builds an Archive from dates. Dates that do not start with
// "YYYY-MM" are ignored.
func NewArchive(dates []string) Archive {
	byYear := map[int]map[int][]string{}
	for _, d := range dates {
		parts := strings.SplitN(d, "-", 3)
		if len(parts) < 2 {
			continue
		}
		y, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		if byYear[y] == nil {
			byYear[y] = map[int][]string{}
		}
		byYear[y][m] = append(byYear[y][m], d)
	}

	var a Archive
	for y, months := range byYear {
		year := ArchiveYear{Year: y}
		for m, ds := range months {
			SortDates(ds)
			year.Months = append(year.Months, ArchiveMonth{Month: m, Dates: ds})
		}
		sort.Slice(year.Months, func(i, j int) bool { return year.Months[i].Month > year.Months[j].Month })
		a.Years = append(a.Years, year)
	}
	sort.Slice(a.Years, func(i, j int) bool { return a.Years[i].Year > a.Years[j].Year })
	return a
}

const (
	datasetGroup = "dataset"
	datasetID    = "all"
	datesID      = "dates"
)

// QuestionsKey addresses the questions of gt on date.
func QuestionsKey(gt GameType, date string) quizcache.Key {
	return quizcache.Key{Group: string(gt), ID: date}
}

// DatesKey addresses the date list of gt.
func DatesKey(gt GameType) quizcache.Key {
	return quizcache.Key{Group: string(gt), ID: datesID}
}

// DatasetKey addresses the full dataset.
func DatasetKey() quizcache.Key {
	return quizcache.Key{Group: datasetGroup, ID: datasetID}
}
