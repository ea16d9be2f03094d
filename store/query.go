package store

import (
	"fmt"
	"strings"
)

// List-endpoint query grammar: whitespace-separated terms, each either
// `key=value` (attribute match), `has:key` (attribute presence) or a state
// keyword, optionally prefixed with `!` for negation. Unknown terms are a
// ValidationError.

type queryBuilder struct {
	conds []string
	args  []any
}

func (qb *queryBuilder) bind(v any) string {
	qb.args = append(qb.args, v)
	return fmt.Sprintf("$%d", len(qb.args))
}

func (qb *queryBuilder) add(cond string, negate bool) {
	if negate {
		cond = "NOT " + cond
	}
	qb.conds = append(qb.conds, cond)
}

// Batch state keywords over the closed flag and aggregate counters.
var batchStateConds = map[string]string{
	"open":      "(NOT closed)",
	"closed":    "(closed)",
	"complete":  "(closed AND n_completed = n_jobs)",
	"running":   "(closed AND n_completed < n_jobs)",
	"cancelled": "(cancelled)",
	"failure":   "(n_failed > 0)",
	"success":   "(n_succeeded = n_jobs)",
}

// Job state keywords and the state sets they select.
var jobStateSets = map[string][]string{
	"pending":   {"Pending"},
	"ready":     {"Ready"},
	"running":   {"Running"},
	"live":      {"Ready", "Running"},
	"cancelled": {"Cancelled"},
	"error":     {"Error"},
	"failed":    {"Failed"},
	"bad":       {"Error", "Failed"},
	"success":   {"Success"},
	"done":      {"Cancelled", "Error", "Failed", "Success"},
}

func (qb *queryBuilder) parseBatchTerm(term string) error {
	negate := strings.HasPrefix(term, "!")
	t := strings.TrimPrefix(term, "!")
	switch {
	case strings.Contains(t, "="):
		k, v, _ := strings.Cut(t, "=")
		qb.add(fmt.Sprintf(`EXISTS (
    SELECT 1 FROM batch_attributes
    WHERE batch_id = batches.id AND key = %s AND value = %s)`,
			qb.bind(k), qb.bind(v)), negate)
	case strings.HasPrefix(t, "has:"):
		k := strings.TrimPrefix(t, "has:")
		qb.add(fmt.Sprintf(`EXISTS (
    SELECT 1 FROM batch_attributes
    WHERE batch_id = batches.id AND key = %s)`,
			qb.bind(k)), negate)
	default:
		cond, ok := batchStateConds[t]
		if !ok {
			return Validationf("invalid query term %q", term)
		}
		qb.add(cond, negate)
	}
	return nil
}

func (qb *queryBuilder) parseJobTerm(term string) error {
	negate := strings.HasPrefix(term, "!")
	t := strings.TrimPrefix(term, "!")
	switch {
	case strings.Contains(t, "="):
		k, v, _ := strings.Cut(t, "=")
		qb.add(fmt.Sprintf(`EXISTS (
    SELECT 1 FROM job_attributes
    WHERE batch_id = jobs.batch_id AND job_id = jobs.job_id
      AND key = %s AND value = %s)`,
			qb.bind(k), qb.bind(v)), negate)
	case strings.HasPrefix(t, "has:"):
		k := strings.TrimPrefix(t, "has:")
		qb.add(fmt.Sprintf(`EXISTS (
    SELECT 1 FROM job_attributes
    WHERE batch_id = jobs.batch_id AND job_id = jobs.job_id AND key = %s)`,
			qb.bind(k)), negate)
	default:
		states, ok := jobStateSets[t]
		if !ok {
			return Validationf("invalid query term %q", term)
		}
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = qb.bind(st)
		}
		qb.add(fmt.Sprintf("(state IN (%s))", strings.Join(placeholders, ", ")), negate)
	}
	return nil
}

// buildBatchListQuery renders the WHERE clause for listing a user's
// batches. lastBatchID is the pagination cursor; pages descend by id.
func buildBatchListQuery(userName, q string, lastBatchID int64) (string, []any, error) {
	qb := &queryBuilder{}
	qb.add(fmt.Sprintf("user_name = %s", qb.bind(userName)), false)
	qb.add("NOT deleted", false)
	if lastBatchID > 0 {
		qb.add(fmt.Sprintf("id < %s", qb.bind(lastBatchID)), false)
	}
	for _, term := range strings.Fields(q) {
		if err := qb.parseBatchTerm(term); err != nil {
			return "", nil, err
		}
	}
	return strings.Join(qb.conds, "\n  AND "), qb.args, nil
}

// buildJobListQuery renders the WHERE clause for listing a batch's jobs.
// lastJobID is the pagination cursor; pages ascend by job id.
func buildJobListQuery(batchID int64, q string, lastJobID int) (string, []any, error) {
	qb := &queryBuilder{}
	qb.add(fmt.Sprintf("batch_id = %s", qb.bind(batchID)), false)
	if lastJobID > 0 {
		qb.add(fmt.Sprintf("job_id > %s", qb.bind(lastJobID)), false)
	}
	for _, term := range strings.Fields(q) {
		if err := qb.parseJobTerm(term); err != nil {
			return "", nil, err
		}
	}
	return strings.Join(qb.conds, "\n  AND "), qb.args, nil
}
