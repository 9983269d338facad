// Package httpapi exposes a Budgeteer over HTTP so that workers written in
// other languages can share budgets with Go services.
//
// Routes:
//
//	GET  /v1/budgets/{key}?policy=NAME                     current state
//	GET  /v1/budgets/{key}/check?policy=NAME[&at=T][&cost=N]
//	POST /v1/budgets/{key}/success?policy=NAME[&start=T][&cost=N]
//	POST /v1/budgets/{key}/scheduled?policy=NAME[&cost=N]
//
// T is RFC 3339 or epoch milliseconds. A delayed check answers 429 with a
// Retry-After header; allowed and duplicate checks answer 200.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/manenim/budgeteer/pkg/budgeteer"
)

// PolicySource resolves policy names.
type PolicySource interface {
	Policy(name string) (budgeteer.Policy, error)
}

// Handler serves the budget routes.
type Handler struct {
	b        *budgeteer.Budgeteer
	policies PolicySource
	log      zerolog.Logger
	now      func() time.Time
}

// New builds a Handler. now may be nil.
func New(b *budgeteer.Budgeteer, policies PolicySource, log zerolog.Logger, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{b: b, policies: policies, log: log, now: now}
}

// Register adds the routes to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/budgets/{key}", h.state).Methods(http.MethodGet)
	r.HandleFunc("/v1/budgets/{key}/check", h.check).Methods(http.MethodGet)
	r.HandleFunc("/v1/budgets/{key}/success", h.success).Methods(http.MethodPost)
	r.HandleFunc("/v1/budgets/{key}/scheduled", h.scheduled).Methods(http.MethodPost)
}

type checkResponse struct {
	Key          string  `json:"key"`
	IsDuplicate  bool    `json:"is_duplicate"`
	DelaySeconds float64 `json:"delay_seconds"`
}

type stateResponse struct {
	Key          string  `json:"key"`
	LastSuccess  int64   `json:"last_success"`
	IsScheduled  bool    `json:"is_scheduled"`
	TokenBalance float64 `json:"token_balance"`
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	key, policy, ok := h.params(w, r)
	if !ok {
		return
	}
	st, err := h.b.State(r.Context(), key, policy)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Key:          key,
		LastSuccess:  st.LastSuccess,
		IsScheduled:  st.IsScheduled,
		TokenBalance: st.TokenBalance,
	})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	key, policy, ok := h.params(w, r)
	if !ok {
		return
	}
	at, err := h.timeParam(r, "at")
	if err != nil {
		h.badRequest(w, err)
		return
	}
	cost, err := costParam(r, 0)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	dec, err := h.b.CheckEvent(r.Context(), key, policy, at, cost)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if dec.Delay > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(dec.Delay.Seconds())), 10))
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, checkResponse{
		Key:          key,
		IsDuplicate:  dec.IsDuplicate,
		DelaySeconds: dec.Delay.Seconds(),
	})
}

func (h *Handler) success(w http.ResponseWriter, r *http.Request) {
	key, policy, ok := h.params(w, r)
	if !ok {
		return
	}
	start, err := h.timeParam(r, "start")
	if err != nil {
		h.badRequest(w, err)
		return
	}
	cost, err := costParam(r, budgeteer.DefaultSuccessCost)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.b.ReportSuccess(r.Context(), key, policy, start, cost); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) scheduled(w http.ResponseWriter, r *http.Request) {
	key, policy, ok := h.params(w, r)
	if !ok {
		return
	}
	cost, err := costParam(r, budgeteer.DefaultScheduledCost)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.b.ReportScheduled(r.Context(), key, policy, cost); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) params(w http.ResponseWriter, r *http.Request) (string, budgeteer.Policy, bool) {
	key := mux.Vars(r)["key"]
	policy, err := h.policies.Policy(r.URL.Query().Get("policy"))
	if err != nil {
		h.badRequest(w, err)
		return "", budgeteer.Policy{}, false
	}
	return key, policy, true
}

func (h *Handler) timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return h.now(), nil
	}
	t, err := ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func costParam(r *http.Request, def float64) (float64, error) {
	raw := r.URL.Query().Get("cost")
	if raw == "" {
		return def, nil
	}
	cost, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return 0, fmt.Errorf("cost: invalid number %q", raw)
	}
	return cost, nil
}

// ParseTime accepts RFC 3339 timestamps or epoch milliseconds.
func ParseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or epoch millis, got %q", raw)
	}
	return t, nil
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, budgeteer.ErrInvalidPolicy) || errors.Is(err, budgeteer.ErrInvalidCost) {
		h.badRequest(w, err)
		return
	}
	h.log.Error().Err(err).Msg("budget request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
