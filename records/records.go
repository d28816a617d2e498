// Package records defines the external record store contract the executor reads candidates from
// and writes status updates to, together with SQL and HTTP adapters.
package records

import (
	"context"
	"time"

	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/queue"
)

// MaxBatchSize is the record store's bulk-update ceiling
const MaxBatchSize = 200

// CandidateRecord is a read projection of a contributor-project record
type CandidateRecord struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	CurrentStatus queue.Status `json:"currentStatus"`
	ProjectID     string       `json:"projectId,omitempty"`
	ObjectiveID   string       `json:"objectiveId,omitempty"`
	// LastStatusChangeAt stands in for "time spent in the current status"
	LastStatusChangeAt *time.Time     `json:"lastStatusChangeAt,omitempty"`
	Fields             map[string]any `json:"fields,omitempty"`
}

// Page is one page of query results. An empty NextCursor means there are no more pages.
type Page struct {
	Records    []CandidateRecord
	NextCursor string
}

// StatusUpdate moves one record to a new status
type StatusUpdate struct {
	ID     string       `json:"id"`
	Status queue.Status `json:"status"`
}

// UpdateResult is the per-record outcome of a bulk update
type UpdateResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecordStore is the external store of contributor-project records
type RecordStore interface {
	// Query returns the page of records matching pred that starts at cursor ("" for the first page)
	Query(ctx context.Context, pred filter.Predicate, cursor string) (*Page, error)

	// UpdateStatuses applies up to MaxBatchSize updates and reports a result per record
	UpdateStatuses(ctx context.Context, updates []StatusUpdate) ([]UpdateResult, error)
}

// Pinger is implemented by stores that can check their connectivity up front
type Pinger interface {
	Ping(ctx context.Context) error
}

// AsMap exposes the record to condition expressions.
// Extra fields are included first so the projection's own fields win on a name clash.
func (r CandidateRecord) AsMap() map[string]any {
	m := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["id"] = r.ID
	m["name"] = r.Name
	m["currentStatus"] = string(r.CurrentStatus)
	m["projectId"] = r.ProjectID
	m["objectiveId"] = r.ObjectiveID
	if r.LastStatusChangeAt != nil {
		m["lastStatusChangeAt"] = *r.LastStatusChangeAt
	}
	return m
}
