package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/engine"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/store"
)

// WebhookResponse is returned by POST /webhooks/{source}.
type WebhookResponse struct {
	EventID string            `json:"event_id"`
	Status  model.EventStatus `json:"status"`
	Queued  bool              `json:"queued"`
	Error   string            `json:"error,omitempty"`
	// Result is set when the engine is not running and the event was
	// processed inline.
	Result *engine.ProcessResult `json:"result,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.engine.Running(),
	})
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	source := strings.ToLower(mux.Vars(r)["source"])

	if l := s.limiter(source); l != nil && !l.Allow() {
		s.reject(source, "rate_limited")
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.reject(source, "body")
		respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	ev, err := s.engine.Ingest(r.Context(), source, raw, r.Header)
	if err != nil {
		s.logger.Error("ingest failed", zap.String("source", source), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := WebhookResponse{EventID: ev.ID, Status: ev.Status, Error: ev.LastError}
	switch {
	case ev.Status == model.EventFailed:
		respondJSON(w, http.StatusUnprocessableEntity, resp)
	case !ev.Status.Terminal() && s.engine.Running():
		resp.Queued = true
		respondJSON(w, http.StatusAccepted, resp)
	default:
		// A repeat delivery of a finished event replays its prior result.
		res, err := s.engine.Process(r.Context(), ev.ID)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		resp.Status = res.Event.Status
		resp.Result = res
		respondJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) reject(source, reason string) {
	if s.metrics != nil {
		s.metrics.RejectWebhook(source, reason)
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{Source: q.Get("source")}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, model.EventStatus(st))
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := s.engine.Events(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, evs)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.Event(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) processEvent(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Process(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ExecutionFilter{
		RuleID:  q.Get("rule_id"),
		EventID: q.Get("event_id"),
		Status:  model.ExecutionStatus(q.Get("status")),
	}
	var err error
	if f.Since, err = timeParam(q.Get("since")); err == nil {
		f.Until, err = timeParam(q.Get("until"))
	}
	if err == nil {
		f.Limit, err = intParam(q.Get("limit"))
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := s.engine.Executions(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.Execution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) listEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EscalationFilter{
		RuleID: q.Get("rule_id"),
		Status: model.EscalationStatus(q.Get("status")),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	escs, err := s.engine.Escalations(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, escs)
}

func (s *Server) getEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.engine.Escalation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

// ResolveRequest is the body of POST /escalations/{id}/resolve.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Resolution string `json:"resolution"`
}

func (s *Server) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ResolvedBy == "" {
		respondError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}
	esc, err := s.engine.ResolveEscalation(r.Context(), mux.Vars(r)["id"], req.ResolvedBy, req.Resolution)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

func (s *Server) advanceEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.engine.AdvanceEscalation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Rules(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, all)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.Rule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) putRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = mux.Vars(r)["id"]
	if existing, err := s.engine.Rule(r.Context(), rule.ID); err == nil {
		rule.CreatedAt = existing.CreatedAt
	}
	if err := s.engine.SaveRule(r.Context(), &rule); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ruleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.RuleStats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// TestRequest is the body of POST /rules/{id}/test. TestMode defaults to
// true; set it to false for a production run of the rule.
type TestRequest struct {
	Event    model.AlertEvent `json:"event"`
	TestMode *bool            `json:"test_mode,omitempty"`
	DryRun   bool             `json:"dry_run,omitempty"`
}

func (s *Server) testRule(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := engine.TestOptions{TestMode: true, DryRun: req.DryRun}
	if req.TestMode != nil {
		opts.TestMode = *req.TestMode
	}
	res, err := s.engine.TestRule(r.Context(), mux.Vars(r)["id"], &req.Event, opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) listChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.engine.Chains(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chains)
}

func (s *Server) putChain(w http.ResponseWriter, r *http.Request) {
	var c model.EscalationChain
	if !decodeBody(w, r, &c) {
		return
	}
	c.ID = mux.Vars(r)["id"]
	if err := s.engine.SaveChain(r.Context(), &c); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) deleteChain(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteChain(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339", v)
	}
	return t, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}
