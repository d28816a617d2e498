package records

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/queue"
)

// HTTPConfig configures the remote record store client
type HTTPConfig struct {
	BaseURL     string          `mapstructure:"baseURL"`
	Token       string          `mapstructure:"token"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	RetryCount  int             `mapstructure:"retryCount"`
	Fields      filter.FieldMap `mapstructure:"fields"`
	ExtraFields []string        `mapstructure:"extraFields"`
}

// HTTPStore talks to a remote record store over its REST API.
// Queries send the compiled predicate as a SOQL-style WHERE clause; updates use the composite
// collections endpoint, which accepts at most MaxBatchSize records per call.
type HTTPStore struct {
	client *resty.Client
	fields filter.FieldMap
	extra  []string
}

type queryResponse struct {
	Records        []map[string]any `json:"records"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Done           bool             `json:"done"`
}

type compositeRequest struct {
	AllOrNone bool             `json:"allOrNone"`
	Records   []map[string]any `json:"records"`
}

type compositeResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// NewHTTPStore creates a client for the store at cfg.BaseURL
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("record store base URL is required")
	}
	if err := cfg.Fields.Validate(); err != nil {
		return nil, err
	}
	for _, f := range cfg.ExtraFields {
		if err := filter.ValidateField(f); err != nil {
			return nil, err
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &HTTPStore{client: client, fields: cfg.Fields, extra: cfg.ExtraFields}, nil
}

// Ping checks that the store answers and accepts our credentials
func (s *HTTPStore) Ping(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).Get("/limits")
	if err != nil {
		return fmt.Errorf("record store unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("record store rejected health check: %s", resp.Status())
	}
	return nil
}

func (s *HTTPStore) selectClause() string {
	f := s.fields
	cols := fmt.Sprintf("%s, %s, %s, %s, %s, %s", f.ID, f.Name, f.Status, f.Project, f.Objective, f.LastStatusChange)
	for _, e := range s.extra {
		cols += ", " + e
	}
	return cols
}

// Query fetches a page. The cursor is the store's next-records URL from the previous page.
func (s *HTTPStore) Query(ctx context.Context, pred filter.Predicate, cursor string) (*Page, error) {
	if pred.MatchesNothing() {
		return &Page{}, nil
	}

	var out queryResponse
	var apiErrs []apiError
	req := s.client.R().SetContext(ctx).SetResult(&out).SetError(&apiErrs)

	var (
		resp *resty.Response
		err  error
	)
	if cursor != "" {
		resp, err = req.Get(cursor)
	} else {
		resp, err = req.
			SetQueryParam("q", fmt.Sprintf("SELECT %s FROM records WHERE %s ORDER BY %s", s.selectClause(), pred.SOQL(), s.fields.ID)).
			Get("/query")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("record store rejected query (%s): %s", resp.Status(), firstMessage(apiErrs))
	}

	page := &Page{Records: make([]CandidateRecord, 0, len(out.Records))}
	for _, raw := range out.Records {
		page.Records = append(page.Records, s.decode(raw))
	}
	if !out.Done {
		page.NextCursor = out.NextRecordsURL
	}
	return page, nil
}

func (s *HTTPStore) decode(raw map[string]any) CandidateRecord {
	str := func(key string) string {
		if v, ok := raw[key].(string); ok {
			return v
		}
		return ""
	}

	rec := CandidateRecord{
		ID:          str(s.fields.ID),
		Name:        str(s.fields.Name),
		ProjectID:   str(s.fields.Project),
		ObjectiveID: str(s.fields.Objective),
	}
	status := str(s.fields.Status)
	if parsed, err := queue.ParseStatus(status); err == nil {
		rec.CurrentStatus = parsed
	} else {
		rec.CurrentStatus = queue.Status(status)
	}
	if ts := str(s.fields.LastStatusChange); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			rec.LastStatusChangeAt = &t
		}
	}
	if len(s.extra) > 0 {
		rec.Fields = make(map[string]any, len(s.extra))
		for _, f := range s.extra {
			rec.Fields[f] = raw[f]
		}
	}
	return rec
}

func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// UpdateStatuses sends one composite update call. Per-record failures come back as results;
// a transport or request-level failure is returned as an error.
func (s *HTTPStore) UpdateStatuses(ctx context.Context, updates []StatusUpdate) ([]UpdateResult, error) {
	if len(updates) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d updates exceeds limit of %d", len(updates), MaxBatchSize)
	}
	if len(updates) == 0 {
		return nil, nil
	}

	body := compositeRequest{Records: make([]map[string]any, 0, len(updates))}
	for _, u := range updates {
		var status any = u.Status.StoreValue()
		if u.Status == queue.None {
			status = nil
		}
		body.Records = append(body.Records, map[string]any{
			s.fields.ID:     u.ID,
			s.fields.Status: status,
		})
	}

	var out []compositeResult
	var apiErrs []apiError
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErrs).
		Patch("/composite/records")
	if err != nil {
		return nil, fmt.Errorf("failed to update records: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("record store rejected update (%s): %s", resp.Status(), firstMessage(apiErrs))
	}
	if len(out) != len(updates) {
		return nil, fmt.Errorf("record store returned %d results for %d updates", len(out), len(updates))
	}

	results := make([]UpdateResult, len(updates))
	for i, r := range out {
		res := UpdateResult{ID: updates[i].ID, Success: r.Success}
		if !r.Success {
			res.Error = "update rejected"
			if len(r.Errors) > 0 {
				res.Error = r.Errors[0].Message
			}
		}
		results[i] = res
	}
	return results, nil
}

func firstMessage(errs []apiError) string {
	if len(errs) == 0 {
		return "no error details"
	}
	return errs[0].Message
}
