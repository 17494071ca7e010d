package http

import (
	"context"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tg-top-feed/internal/domain"
)

// SelectionRunner запускает конвейер и отдаёт последнюю сохранённую выборку.
type SelectionRunner interface {
	RunOnce(ctx context.Context) (domain.RunResult, error)
	Latest(ctx context.Context) ([]domain.Record, error)
}

// MountSelection регистрирует маршруты выборки.
// /best не попадает под requestTimeout и снимает общий WriteTimeout: длительность запуска ограничивает сервис.
// Запуск не зависит от отмены клиентского запроса, чтобы таблица не осталась заполненной наполовину.
func MountSelection(r chi.Router, runner SelectionRunner, logger zerolog.Logger) {
	h := &selectionHandler{runner: runner, log: logger}
	r.Get("/best", h.best)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/best/latest", h.latest)
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, map[string]string{"status": "ok"})
		})
	})
}

type selectionHandler struct {
	runner SelectionRunner
	log    zerolog.Logger
}

func (h *selectionHandler) best(w http.ResponseWriter, r *http.Request) {
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.log.Debug().Err(err).Msg("http: не удалось снять срок записи")
	}
	res, err := h.runner.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		h.log.Error().Err(err).Str("request_id", RequestID(r)).Msg("http: запуск прерван")
		WriteJSON(w, []domain.Record{})
		return
	}
	if n := res.Diagnostics.FailureCount(); n > 0 {
		h.log.Warn().Int("failures", n).Str("run_id", res.Diagnostics.RunID).Msg("http: запуск завершён с ошибками")
	}
	WriteJSON(w, res.Selection.Records())
}

func (h *selectionHandler) latest(w http.ResponseWriter, r *http.Request) {
	records, err := h.runner.Latest(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("http: не удалось прочитать выборку")
		WriteError(w, http.StatusInternalServerError, "failed to load selection")
		return
	}
	if records == nil {
		records = []domain.Record{}
	}
	WriteJSON(w, records)
}
