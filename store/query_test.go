package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBatchListQuery(t *testing.T) {
	where, args, err := buildBatchListQuery("alice", "", 0)
	require.NoError(t, err)
	assert.Contains(t, where, "user_name = $1")
	assert.Contains(t, where, "NOT deleted")
	assert.Equal(t, []any{"alice"}, args)

	where, args, err = buildBatchListQuery("alice", "complete !cancelled", 120)
	require.NoError(t, err)
	assert.Contains(t, where, "id < $2")
	assert.Contains(t, where, "(closed AND n_completed = n_jobs)")
	assert.Contains(t, where, "NOT (cancelled)")
	assert.Equal(t, []any{"alice", int64(120)}, args)

	where, args, err = buildBatchListQuery("alice", "project=ukbb has:stage", 0)
	require.NoError(t, err)
	assert.Contains(t, where, "key = $2 AND value = $3")
	assert.Contains(t, where, "key = $4")
	assert.Equal(t, []any{"alice", "project", "ukbb", "stage"}, args)

	_, _, err = buildBatchListQuery("alice", "bogus", 0)
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestBuildJobListQuery(t *testing.T) {
	where, args, err := buildJobListQuery(7, "live", 0)
	require.NoError(t, err)
	assert.Contains(t, where, "batch_id = $1")
	assert.Contains(t, where, "(state IN ($2, $3))")
	assert.Equal(t, []any{int64(7), "Ready", "Running"}, args)

	where, args, err = buildJobListQuery(7, "!done name=align", 30)
	require.NoError(t, err)
	assert.Contains(t, where, "job_id > $2")
	assert.Contains(t, where, "NOT (state IN ($3, $4, $5, $6))")
	assert.Equal(t, []any{int64(7), 30, "Cancelled", "Error", "Failed", "Success", "name", "align"}, args)

	_, _, err = buildJobListQuery(7, "wat:", 0)
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
}
