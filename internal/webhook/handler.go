package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/seedream-bot/internal/metrics"
)

const maxCallbackBody = 1 << 20

// Handler is the authenticated HTTP front of the reconciler.
type Handler struct {
	secret     string
	reconciler *Reconciler
	log        *slog.Logger
	metrics    *metrics.Metrics
}

func NewHandler(secret string, reconciler *Reconciler, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		secret:     secret,
		reconciler: reconciler,
		log:        log.With("component", "webhook"),
		metrics:    m,
	}
}

// Routes mounts the provider callback endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhook/seedream", h.handleSeedream)
}

func (h *Handler) handleSeedream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("t") != h.secret {
		h.countEvent("rejected_auth")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		h.countEvent("rejected_body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ev, err := parseEvent(body)
	if err != nil {
		h.log.Warn("malformed callback", "error", err)
		h.countEvent("rejected_malformed")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.reconciler.Process(r.Context(), ev); err != nil {
		// Infrastructure failures only; handled outcomes return nil. Answer
		// 200 anyway: the provider retries on 5xx and the retry is safe.
		h.log.Error("reconcile callback", "task_id", ev.TaskID, "error", err)
		h.countEvent("reconcile_error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

type callbackPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID     string          `json:"taskId"`
		State      string          `json:"state"`
		ResultJSON json.RawMessage `json:"resultJson"`
		FailCode   string          `json:"failCode"`
		FailMsg    string          `json:"failMsg"`
	} `json:"data"`
}

type resultPayload struct {
	ResultURLs []string    `json:"resultUrls"`
	Seed       json.Number `json:"seed"`
}

var errMissingTaskID = &parseError{"missing taskId"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// parseEvent decodes the callback body. resultJson arrives as a JSON string
// holding another JSON document; a bare object is accepted too.
func parseEvent(body []byte) (Event, error) {
	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, err
	}
	if payload.Data.TaskID == "" {
		return Event{}, errMissingTaskID
	}

	ev := Event{
		TaskID:   payload.Data.TaskID,
		State:    payload.Data.State,
		FailCode: payload.Data.FailCode,
		FailMsg:  payload.Data.FailMsg,
	}

	if len(payload.Data.ResultJSON) > 0 {
		raw := payload.Data.ResultJSON
		if raw[0] == '"' {
			var inner string
			if err := json.Unmarshal(raw, &inner); err != nil {
				return Event{}, err
			}
			raw = []byte(inner)
		}
		if len(raw) > 0 {
			var result resultPayload
			if err := json.Unmarshal(raw, &result); err == nil {
				ev.ResultURLs = result.ResultURLs
				ev.Seed = result.Seed.String()
			}
		}
	}
	return ev, nil
}

func (h *Handler) countEvent(outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	}
}
