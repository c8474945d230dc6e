package quiz

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGameType(t *testing.T) {
	tests := []struct {
		in   string
		want GameType
		err  bool
	}{
		{"BlackSwan", BlackSwan, false},
		{"g2", PrisonersDilemma, false},
		{"g3", SignalDecoding, false},
		{"Quizlet", Quizlet, false},
		{"blackswan", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGameType(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnknownGameType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHintAcceptsStringOrList(t *testing.T) {
	var q Question
	require.NoError(t, json.Unmarshal([]byte(`{"question":"q","answer":"a","hint":"one"}`), &q))
	assert.Equal(t, Hint{"one"}, q.Hint)

	require.NoError(t, json.Unmarshal([]byte(`{"question":"q","answer":"a","hint":["x","y"]}`), &q))
	assert.Equal(t, Hint{"x", "y"}, q.Hint)

	assert.Error(t, json.Unmarshal([]byte(`{"hint":42}`), &q))

	b, err := json.Marshal(Question{Question: "q", Answer: "a", Hint: Hint{"only"}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"hint":"only"`)
}

func TestItemValidate(t *testing.T) {
	ok := Item{GameType: BlackSwan, QuizDate: "2025-03-01", Data: ItemData{Questions: []Question{{Question: "q", Answer: "a"}}}}
	assert.NoError(t, ok.Validate())

	noQuestions := ok
	noQuestions.Data = ItemData{}
	assert.Error(t, noQuestions.Validate())

	badDate := ok
	badDate.QuizDate = "2025/03/01"
	assert.ErrorIs(t, badDate.Validate(), ErrInvalidDate)

	quizlet := Item{GameType: Quizlet, QuizDate: "2025-03-01", Data: ItemData{
		SetName: "Rates",
		Terms:   []Term{{Term: "CPI", Definition: "consumer price index"}},
	}}
	assert.NoError(t, quizlet.Validate())
	quizlet.Data.SetName = " "
	assert.Error(t, quizlet.Validate())
}

func TestNewDatasetSkipsQuizletAndSortsDates(t *testing.T) {
	ds := NewDataset([]Item{
		{GameType: BlackSwan, QuizDate: "2025-01-02", Data: ItemData{Questions: []Question{{Question: "a"}}}},
		{GameType: BlackSwan, QuizDate: "2025-01-10", Data: ItemData{Questions: []Question{{Question: "b"}}}},
		{GameType: Quizlet, QuizDate: "2025-01-03", Data: ItemData{SetName: "s"}},
		{GameType: "Unknown", QuizDate: "2025-01-04"},
	})

	assert.Len(t, ds, 3)
	assert.NotContains(t, ds, Quizlet)
	assert.Equal(t, []string{"2025-01-10", "2025-01-02"}, ds.Dates(BlackSwan))
	assert.Equal(t, "b", ds.Questions(BlackSwan, "2025-01-10")[0].Question)
	assert.Nil(t, ds.Questions(SignalDecoding, "2025-01-10"))
}

func TestNewArchive(t *testing.T) {
	a := NewArchive([]string{"2024-12-30", "2025-01-02", "2025-02-14", "2025-01-20", "junk"})

	require.Len(t, a.Years, 2)
	assert.Equal(t, 2025, a.Years[0].Year)
	require.Len(t, a.Years[0].Months, 2)
	assert.Equal(t, 2, a.Years[0].Months[0].Month)
	assert.Equal(t, []string{"2025-01-20", "2025-01-02"}, a.Years[0].Months[1].Dates)
	assert.Equal(t, 2024, a.Years[1].Year)
}

func TestKeysShareGameGroup(t *testing.T) {
	assert.Equal(t, "BlackSwan/2025-03-01", QuestionsKey(BlackSwan, "2025-03-01").String())
	assert.Equal(t, QuestionsKey(BlackSwan, "x").Group, DatesKey(BlackSwan).Group)
	assert.NotEqual(t, string(BlackSwan), DatasetKey().Group)
}
