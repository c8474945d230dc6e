package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/quiz"
)

const maxRequestBody = 4 << 20

// saveRequest accepts the date as "date" or "quizDate".
type saveRequest struct {
	GameType string        `json:"gameType" validate:"required"`
	Date     string        `json:"date" validate:"required_without=QuizDate"`
	QuizDate string        `json:"quizDate" validate:"required_without=Date"`
	Data     quiz.ItemData `json:"data"`
}

func (req saveRequest) item() (quiz.Item, error) {
	gt, err := quiz.ParseGameType(req.GameType)
	if err != nil {
		return quiz.Item{}, err
	}
	date := req.QuizDate
	if date == "" {
		date = req.Date
	}
	return quiz.Item{GameType: gt, QuizDate: date, Data: req.Data}, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleSaveQuiz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "quiz store unavailable")
		return
	}
	var req saveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	it, err := req.item()
	if err == nil {
		err = it.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	created, err := s.cfg.Store.Put(ctx, it)
	if err != nil {
		s.log.Error("save quiz", zap.String("gameType", string(it.GameType)), zap.String("date", it.QuizDate), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "저장 실패")
		return
	}
	if err := s.cfg.Quizzes.Saved(ctx, it); err != nil {
		s.log.Warn("invalidate after save", zap.Error(err))
	}
	if c, ok := ClaimsFrom(ctx); ok {
		s.log.Info("quiz saved",
			zap.String("by", c.Subject),
			zap.String("gameType", string(it.GameType)),
			zap.String("date", it.QuizDate),
			zap.Bool("created", created))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "퀴즈가 저장되었습니다.",
		"created": created,
	})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fe.Namespace() + " failed " + fe.Tag()
}

func (s *Server) handleListQuiz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "quiz store unavailable")
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	if raw, date := q.Get("gameType"), q.Get("date"); raw != "" && date != "" {
		gt, ok := s.gameType(w, raw)
		if !ok {
			return
		}
		it, err := s.cfg.Store.Get(ctx, gt, date)
		switch {
		case errors.Is(err, quiz.ErrNotFound):
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		case err != nil:
			s.log.Error("get quiz", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "조회 실패")
		default:
			writeData(w, it)
		}
		return
	}

	items, err := s.cfg.Store.All(ctx)
	if err != nil {
		s.log.Error("list quizzes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "조회 실패")
		return
	}
	if items == nil {
		items = []quiz.Item{}
	}
	writeData(w, items)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CDN == nil {
		writeError(w, http.StatusNotImplemented, "CDN unavailable")
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if len(req.Paths) == 0 {
		req.Paths = []string{"/*"}
	}
	id, err := s.cfg.CDN.Invalidate(r.Context(), req.Paths...)
	if err != nil {
		s.log.Error("cloudfront invalidation", zap.Strings("paths", req.Paths), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "캐시 무효화 실패")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"invalidationId": id,
		"message":        "CloudFront 캐시 무효화가 시작되었습니다.",
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil || s.cfg.Metrics == nil {
		writeError(w, http.StatusNotImplemented, "metrics unavailable")
		return
	}
	ctx := r.Context()
	table, err := s.cfg.Store.Describe(ctx)
	if err != nil {
		s.log.Error("describe table", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "메트릭 조회 실패")
		return
	}
	lambda, err := s.cfg.Metrics.Lambda(ctx, s.cfg.LambdaFunction, time.Hour)
	if err != nil {
		s.log.Error("lambda metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "메트릭 조회 실패")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"metrics": map[string]any{
			"dynamodb": map[string]any{
				"itemCount":      table.ItemCount,
				"tableSizeBytes": table.SizeBytes,
				"status":         table.Status,
			},
			"lambda": map[string]any{
				"invocations": lambda.Invocations,
				"errors":      lambda.Errors,
			},
			"timestamp": s.cfg.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameType string `json:"gameType"`
		Date     string `json:"date"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	var (
		err   error
		scope = "all"
	)
	switch {
	case req.GameType == "" && req.Date != "":
		writeError(w, http.StatusBadRequest, "gameType required with date")
		return
	case req.GameType == "":
		err = s.cfg.Quizzes.ClearAll(ctx)
	default:
		gt, ok := s.gameType(w, req.GameType)
		if !ok {
			return
		}
		if req.Date == "" {
			scope = string(gt)
			err = s.cfg.Quizzes.ClearGame(ctx, gt)
		} else {
			scope = string(gt) + "/" + req.Date
			err = s.cfg.Quizzes.ClearDate(ctx, gt, req.Date)
		}
	}
	if err != nil {
		s.log.Error("clear cache", zap.String("scope", scope), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "캐시 삭제 실패")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scope": scope})
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, _ *http.Request) {
	writeData(w, s.cfg.Quizzes.Status())
}
