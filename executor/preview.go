package executor

import (
	"context"
	"strings"

	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/queue"
)

// PreviewResult lists what a rule would change without applying anything
type PreviewResult struct {
	RuleID           string                  `json:"ruleId"`
	RuleName         string                  `json:"ruleName"`
	Proposals        []Proposal              `json:"proposals"`
	Errors           []string                `json:"errors"`
	ValidationErrors []queue.ValidationError `json:"validationErrors,omitempty"`
	Truncated        bool                    `json:"truncated"`
}

// Preview evaluates one rule, enabled or not, as a dry run. It does not take the run lock.
// A non-empty search narrows candidates to records whose name contains it.
func (e *Executor) Preview(ctx context.Context, ruleID, search string) (*PreviewResult, error) {
	if err := e.checkConfigured(ctx); err != nil {
		return nil, err
	}
	rule, err := e.engine.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	pred, err := rule.Predicate(e.cfg.Fields)
	if err != nil {
		return nil, err
	}
	if search = strings.TrimSpace(search); search != "" && !pred.MatchesNothing() {
		pred = filter.And{pred, filter.Contains{Field: e.cfg.Fields.Name, Text: search}}
	}

	log := e.log.With("rule_id", rule.ID, "preview", true)
	c, err := e.candidates(ctx, rule, pred, e.now(), log)
	if err != nil {
		return nil, err
	}

	res := &PreviewResult{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Proposals: c.proposals,
		Errors:    c.notes,
		Truncated: c.truncated,
	}
	if res.Proposals == nil {
		res.Proposals = []Proposal{}
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	if v := validate(c.proposals); !v.Valid {
		res.ValidationErrors = v.Errors
	}
	return res, nil
}
