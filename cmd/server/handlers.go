package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/liamcoop/queuerules/executor"
	"github.com/liamcoop/queuerules/history"
	"github.com/liamcoop/queuerules/queue"
	"github.com/liamcoop/queuerules/records"
	"github.com/liamcoop/queuerules/rules"
	"github.com/liamcoop/queuerules/scheduler"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Scheduler: s.app.Ticker.Status().Running}

	err := s.app.Ping(r.Context())
	if err == nil {
		if p, ok := s.app.Records.(records.Pinger); ok {
			err = p.Ping(r.Context())
		}
	}
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list := s.app.Engine.ListRules
	if r.URL.Query().Get("enabled") == "true" {
		list = s.app.Engine.EnabledRules
	}
	all, err := list(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: all, Total: len(all)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var draft rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.app.Engine.CreateRule(r.Context(), &draft)
	if err != nil {
		respondRuleError(w, "failed to create rule", err)
		return
	}

	s.log.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.app.Engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondRuleError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch rules.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.app.Engine.UpdateRule(r.Context(), chi.URLParam(r, "ruleId"), patch)
	if err != nil {
		respondRuleError(w, "failed to update rule", err)
		return
	}

	s.log.Info("rule updated", "rule_id", rule.ID)
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	deleted, err := s.app.Engine.DeleteRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}

	s.log.Info("rule deleted", "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreviewRule(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Executor.Preview(r.Context(), chi.URLParam(r, "ruleId"), r.URL.Query().Get("search"))
	switch {
	case errors.Is(err, executor.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, "record store unavailable", err)
	case err != nil:
		respondRuleError(w, "failed to preview rule", err)
	default:
		respondJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	summary, err := s.app.Executor.Execute(r.Context(), executor.Request{
		RuleIDs:     req.RuleIDs,
		TriggeredBy: history.TriggerManual,
		User:        req.User,
	})
	if err == nil {
		respondJSON(w, http.StatusOK, ExecuteResponse{Summary: summary})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, executor.ErrRunInProgress):
		respondError(w, http.StatusConflict, "an execution is already running", err)
		return
	case errors.Is(err, executor.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, executor.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	respondJSON(w, status, ExecuteResponse{Summary: summary, Error: err.Error()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}

	page, err := s.app.History.Query(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query history", err)
		return
	}

	q = q.Normalize()
	respondJSON(w, http.StatusOK, HistoryResponse{
		Entries: page.Entries,
		Total:   page.Total,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
}

func parseHistoryQuery(r *http.Request) (history.Query, error) {
	var q history.Query
	v := r.URL.Query()

	var err error
	if q.Limit, err = intParam(v.Get("limit")); err != nil {
		return q, fmt.Errorf("limit: %w", err)
	}
	if q.Offset, err = intParam(v.Get("offset")); err != nil {
		return q, fmt.Errorf("offset: %w", err)
	}
	q.RuleID = v.Get("ruleId")

	if raw := v.Get("startDate"); raw != "" {
		t, _, err := parseDateParam(raw)
		if err != nil {
			return q, fmt.Errorf("startDate: %w", err)
		}
		q.StartDate = &t
	}
	if raw := v.Get("endDate"); raw != "" {
		t, dateOnly, err := parseDateParam(raw)
		if err != nil {
			return q, fmt.Errorf("endDate: %w", err)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		q.EndDate = &t
	}
	return q, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	return n, nil
}

// parseDateParam accepts RFC 3339 timestamps and plain UTC dates
func parseDateParam(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", raw)
	}
	return t, true, nil
}

func (s *Server) handlePruneHistory(w http.ResponseWriter, r *http.Request) {
	maxAge := s.app.Config.Scheduler.RetentionDays
	if raw := r.URL.Query().Get("maxAgeDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid maxAgeDays", err)
			return
		}
		maxAge = n
	}
	if maxAge < 1 {
		respondError(w, http.StatusBadRequest, "maxAgeDays must be at least 1", nil)
		return
	}

	removed, err := s.app.History.Prune(r.Context(), maxAge)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to prune history", err)
		return
	}
	respondJSON(w, http.StatusOK, PruneResponse{Removed: removed, MaxAgeDays: maxAge})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Ticker.Status())
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	req := StartSchedulerRequest{IntervalMinutes: s.app.Config.Scheduler.IntervalMinutes}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	if err := s.app.Ticker.Start(req.IntervalMinutes); err != nil {
		respondError(w, http.StatusBadRequest, "failed to start scheduler", err)
		return
	}
	respondJSON(w, http.StatusOK, s.app.Ticker.Status())
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.app.Ticker.Stop()
	respondJSON(w, http.StatusOK, s.app.Ticker.Status())
}

func (s *Server) handleSchedulerCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := s.app.Ticker.CheckNow(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrCheckInProgress), errors.Is(err, executor.ErrRunInProgress):
		respondError(w, http.StatusConflict, "a check is already running", err)
	case err != nil && summary == nil:
		respondError(w, http.StatusInternalServerError, "scheduled check failed", err)
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, ExecuteResponse{Summary: summary, Error: err.Error()})
	case summary == nil:
		respondJSON(w, http.StatusOK, map[string]any{"executed": false})
	default:
		respondJSON(w, http.StatusOK, ExecuteResponse{Summary: summary})
	}
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	table := make(map[queue.Status][]queue.Status, len(queue.Statuses))
	for _, st := range queue.Statuses {
		table[st] = queue.AllowedTransitions(st)
	}
	respondJSON(w, http.StatusOK, TransitionsResponse{Statuses: queue.Statuses, Transitions: table})
}

func (s *Server) handleValidateTransitions(w http.ResponseWriter, r *http.Request) {
	var req ValidateTransitionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	respondJSON(w, http.StatusOK, queue.ValidateBatch(req.Transitions))
}

// respondRuleError maps rule store and validation failures onto status codes
func respondRuleError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrInvalidRule):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
