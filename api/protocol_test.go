package api

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

func mustParseQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	q, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse query %q: %v", raw, err)
	}
	return q
}

func TestCriteriaFromQueryFull(t *testing.T) {
	raw := "search=boiler&priority=high,critical&status=todo&assignee=ann&label=plumbing,urgent" +
		"&dueAfter=2025-06-01T00:00:00Z&impactMin=3&estimatedMax=7.5&overdue=true&blocked=false" +
		"&sortBy=dueDate&sortOrder=desc"
	c, err := criteriaFromQuery(mustParseQuery(t, raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.Search != "boiler" {
		t.Fatalf("unexpected search: %q", c.Search)
	}
	if len(c.Priorities) != 2 || c.Priorities[0] != domain.PriorityHigh || c.Priorities[1] != domain.PriorityCritical {
		t.Fatalf("unexpected priorities: %#v", c.Priorities)
	}
	if len(c.Statuses) != 1 || c.Statuses[0] != domain.StatusTodo {
		t.Fatalf("unexpected statuses: %#v", c.Statuses)
	}
	if len(c.Assignees) != 1 || c.Assignees[0] != "ann" {
		t.Fatalf("unexpected assignees: %#v", c.Assignees)
	}
	if len(c.Labels) != 2 || c.Labels[0] != "plumbing" || c.Labels[1] != "urgent" {
		t.Fatalf("unexpected labels: %#v", c.Labels)
	}
	wantDue := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if c.DueAfter == nil || !c.DueAfter.Equal(wantDue) {
		t.Fatalf("unexpected dueAfter: %v", c.DueAfter)
	}
	if c.DueBefore != nil {
		t.Fatalf("dueBefore must stay unset, got %v", c.DueBefore)
	}
	if c.ImpactMin == nil || *c.ImpactMin != 3 {
		t.Fatalf("unexpected impactMin: %v", c.ImpactMin)
	}
	if c.EstimatedMax == nil || *c.EstimatedMax != 7.5 {
		t.Fatalf("unexpected estimatedMax: %v", c.EstimatedMax)
	}
	if !c.OverdueOnly || c.BlockedOnly {
		t.Fatalf("unexpected flags: overdue=%v blocked=%v", c.OverdueOnly, c.BlockedOnly)
	}
	if c.SortBy != domain.SortByDueDate || c.SortOrder != domain.SortDesc {
		t.Fatalf("unexpected sort: %s %s", c.SortBy, c.SortOrder)
	}
}

func TestCriteriaFromQueryMergesRepeatedAndCSV(t *testing.T) {
	q := mustParseQuery(t, "label=a,b&label=c&label=%20%20&priority=high&priority=low,medium")
	c, err := criteriaFromQuery(q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Labels) != 3 || c.Labels[0] != "a" || c.Labels[1] != "b" || c.Labels[2] != "c" {
		t.Fatalf("unexpected labels: %#v", c.Labels)
	}
	if len(c.Priorities) != 3 {
		t.Fatalf("unexpected priorities: %#v", c.Priorities)
	}
}

func TestCriteriaFromQueryEmpty(t *testing.T) {
	c, err := criteriaFromQuery(url.Values{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsZero() {
		t.Fatalf("expected zero criteria, got %#v", c)
	}
}

func TestCriteriaFromQueryRejectsBadInput(t *testing.T) {
	testCases := map[string]string{
		"unknown_priority": "priority=urgent",
		"bad_time":         "dueBefore=yesterday",
		"bad_int":          "impactMax=big",
		"bad_float":        "estimatedMin=few",
		"bad_bool":         "withComments=si",
		"unknown_sort_key": "sortBy=height",
		"bad_sort_order":   "sortOrder=down",
	}
	for name, raw := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := criteriaFromQuery(mustParseQuery(t, raw)); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	var draft domain.TaskDraft
	body := `{"title":"x","favourite":true}`
	if err := decodeStrict(strings.NewReader(body), taskPayloadMaxSize, &draft); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestDecodeStrictEnforcesLimit(t *testing.T) {
	var draft domain.TaskDraft
	body := `{"title":"` + strings.Repeat("x", 64) + `"}`
	if err := decodeStrict(strings.NewReader(body), 16, &draft); err == nil {
		t.Fatal("expected truncated body to fail decoding")
	}
}
