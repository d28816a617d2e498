package main

import (
	"github.com/liamcoop/queuerules/executor"
	"github.com/liamcoop/queuerules/history"
	"github.com/liamcoop/queuerules/queue"
	"github.com/liamcoop/queuerules/rules"
)

// API request and response models

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
	Total int           `json:"total"`
}

// ExecuteRequest represents the body of a manual execution. An empty ruleIds runs every enabled rule.
type ExecuteRequest struct {
	RuleIDs []string `json:"ruleIds,omitempty"`
	User    string   `json:"user,omitempty"`
}

// ExecuteResponse wraps the run summary. Error is set when the run stopped early.
type ExecuteResponse struct {
	*executor.Summary
	Error string `json:"error,omitempty"`
}

// HistoryResponse represents one page of execution history
type HistoryResponse struct {
	Entries []history.Entry `json:"entries"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// PruneResponse reports how many history entries were removed
type PruneResponse struct {
	Removed    int `json:"removed"`
	MaxAgeDays int `json:"maxAgeDays"`
}

// StartSchedulerRequest represents the body for starting the scheduler
type StartSchedulerRequest struct {
	IntervalMinutes int `json:"intervalMinutes"`
}

// TransitionsResponse lists the legal moves from every status
type TransitionsResponse struct {
	Statuses    []queue.Status                  `json:"statuses"`
	Transitions map[queue.Status][]queue.Status `json:"transitions"`
}

// ValidateTransitionsRequest represents a batch to check against the transition table
type ValidateTransitionsRequest struct {
	Transitions []queue.Transition `json:"transitions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Scheduler bool   `json:"schedulerRunning"`
}
