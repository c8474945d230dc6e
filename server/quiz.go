package server

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/quiz"
)

// Public read routes answer in the shapes quizapi.Client decodes, so one
// instance can serve as the remote source of another.

func (s *Server) gameType(w http.ResponseWriter, raw string) (quiz.GameType, bool) {
	gt, err := quiz.ParseGameType(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return gt, true
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, datasetItems(s.cfg.Quizzes.Dataset(r.Context())))
}

// datasetItems flattens ds into items ordered by game type, newest date first.
func datasetItems(ds quiz.Dataset) []quiz.Item {
	items := make([]quiz.Item, 0)
	for gt, byDate := range ds {
		for date, qs := range byDate {
			items = append(items, quiz.Item{GameType: gt, QuizDate: date, Data: quiz.ItemData{Questions: qs}})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].GameType != items[j].GameType {
			return items[i].GameType < items[j].GameType
		}
		return items[i].QuizDate > items[j].QuizDate
	})
	return items
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	gt, ok := s.gameType(w, chi.URLParam(r, "gameType"))
	if !ok {
		return
	}
	date := chi.URLParam(r, "date")
	if _, err := quiz.ParseDate(date); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"gameType":  gt,
		"quizDate":  date,
		"questions": s.cfg.Quizzes.Questions(r.Context(), gt, date),
	})
}

func (s *Server) handleDates(w http.ResponseWriter, r *http.Request) {
	gt, ok := s.gameType(w, chi.URLParam(r, "gameType"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"gameType": gt,
		"dates":    s.cfg.Quizzes.Dates(r.Context(), gt),
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	gt, ok := s.gameType(w, chi.URLParam(r, "gameType"))
	if !ok {
		return
	}
	writeData(w, s.cfg.Quizzes.Archive(r.Context(), gt))
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")

	raw := r.URL.Query().Get("gameType")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "gameType required")
		return
	}
	gt, ok := s.gameType(w, raw)
	if !ok {
		return
	}
	resp := map[string]any{
		"success":   true,
		"data":      nil,
		"updatedAt": s.cfg.Now().UTC().Format(time.RFC3339),
	}
	it, err := s.cfg.Quizzes.Latest(r.Context(), gt)
	switch {
	case err == nil:
		resp["data"] = it
	case errors.Is(err, quiz.ErrNotFound):
	default:
		s.log.Error("latest quiz", zap.String("gameType", string(gt)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "최신 퀴즈 조회 실패")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuizletSets(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sets == nil {
		writeError(w, http.StatusNotImplemented, "quizlet sets unavailable")
		return
	}
	sets, err := s.cfg.Sets.QuizletSets(r.Context())
	if err != nil {
		s.log.Error("quizlet sets", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "세트 조회 실패")
		return
	}
	if sets == nil {
		sets = []quiz.QuizletSet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sets": sets})
}
