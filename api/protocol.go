package api

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

const (
	// taskPayloadMaxSize bounds single-task request bodies.
	taskPayloadMaxSize = 64 * 1024
	// bulkPayloadMaxSize bounds bulk request bodies.
	bulkPayloadMaxSize = 256 * 1024
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type boardResponse struct {
	Board domain.Board                       `json:"board"`
	WIP   map[domain.Status]board.ColumnLoad `json:"wip"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
	Total int           `json:"total"`
}

type moveRequest struct {
	Status domain.Status `json:"status"`
	Force  bool          `json:"force,omitempty"`
}

type bulkRequest struct {
	TaskIDs []string         `json:"taskIds"`
	Patch   domain.TaskPatch `json:"patch"`
}

type closeResponse struct {
	Closed bool `json:"closed"`
}

// decodeStrict decodes a bounded JSON body and rejects unknown fields,
// so a client typo fails loudly instead of silently dropping data.
func decodeStrict(r io.Reader, limit int64, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(r, limit))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var sortKeys = map[domain.SortKey]bool{
	domain.SortByPriority:  true,
	domain.SortByDueDate:   true,
	domain.SortByCreatedAt: true,
	domain.SortByUpdatedAt: true,
	domain.SortByTitle:     true,
	domain.SortByImpact:    true,
	domain.SortByEstimate:  true,
	domain.SortByProgress:  true,
	domain.SortByStatus:    true,
}

// criteriaFromQuery builds view criteria from the request query string.
// Multi-value fields accept repeated parameters and comma-separated
// lists interchangeably. Unknown statuses pass through and simply match
// nothing; unknown priorities and sort keys are rejected.
func criteriaFromQuery(q url.Values) (domain.Criteria, error) {
	var c domain.Criteria
	c.Search = strings.TrimSpace(q.Get("search"))
	for _, raw := range csvParams(q, "priority") {
		p := domain.Priority(raw)
		if !p.Valid() {
			return domain.Criteria{}, fmt.Errorf("unknown priority %q", raw)
		}
		c.Priorities = append(c.Priorities, p)
	}
	for _, raw := range csvParams(q, "status") {
		c.Statuses = append(c.Statuses, domain.Status(raw))
	}
	c.Assignees = csvParams(q, "assignee")
	c.Labels = csvParams(q, "label")

	var err error
	if c.DueAfter, err = timeParam(q, "dueAfter"); err != nil {
		return domain.Criteria{}, err
	}
	if c.DueBefore, err = timeParam(q, "dueBefore"); err != nil {
		return domain.Criteria{}, err
	}
	if c.ImpactMin, err = intParam(q, "impactMin"); err != nil {
		return domain.Criteria{}, err
	}
	if c.ImpactMax, err = intParam(q, "impactMax"); err != nil {
		return domain.Criteria{}, err
	}
	if c.EstimatedMin, err = floatParam(q, "estimatedMin"); err != nil {
		return domain.Criteria{}, err
	}
	if c.EstimatedMax, err = floatParam(q, "estimatedMax"); err != nil {
		return domain.Criteria{}, err
	}
	if c.OverdueOnly, err = boolParam(q, "overdue"); err != nil {
		return domain.Criteria{}, err
	}
	if c.BlockedOnly, err = boolParam(q, "blocked"); err != nil {
		return domain.Criteria{}, err
	}
	if c.WithAttachments, err = boolParam(q, "withAttachments"); err != nil {
		return domain.Criteria{}, err
	}
	if c.WithComments, err = boolParam(q, "withComments"); err != nil {
		return domain.Criteria{}, err
	}

	if raw := q.Get("sortBy"); raw != "" {
		key := domain.SortKey(raw)
		if !sortKeys[key] {
			return domain.Criteria{}, fmt.Errorf("unknown sort key %q", raw)
		}
		c.SortBy = key
	}
	if raw := q.Get("sortOrder"); raw != "" {
		switch order := domain.SortOrder(raw); order {
		case domain.SortAsc, domain.SortDesc:
			c.SortOrder = order
		default:
			return domain.Criteria{}, fmt.Errorf("unknown sort order %q", raw)
		}
	}
	return c, nil
}

func csvParams(q url.Values, name string) []string {
	var out []string
	for _, raw := range q[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &t, nil
}

func intParam(q url.Values, name string) (*int, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &n, nil
}

func floatParam(q url.Values, name string) (*float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &f, nil
}

func boolParam(q url.Values, name string) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
