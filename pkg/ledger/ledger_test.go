package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/autoos/pkg/schema"
)

func sampleEvents(workflowID string) []Event {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []Event{
		FailureEvent(schema.FailureRecord{
			ID: "f1", WorkflowID: workflowID, StepID: "s1", Kind: schema.FailureTransient, Provider: "openai", Timestamp: ts,
		}),
		DecisionEvent(schema.RecoveryDecision{
			ID: "d1", WorkflowID: workflowID, StepID: "s1", Action: schema.ActionRetry, Timestamp: ts.Add(time.Second),
		}),
		StateChangeEvent(schema.StateChange{
			WorkflowID: workflowID, From: schema.WorkflowRunning, To: schema.WorkflowSucceeded, Timestamp: ts.Add(2 * time.Second),
		}),
	}
}

func assertRoundTrip(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()
	for _, e := range sampleEvents("wf-1") {
		require.NoError(t, l.Write(ctx, e))
	}
	require.NoError(t, l.Write(ctx, sampleEvents("wf-2")[0]))

	events, err := l.Read(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventFailure, events[0].Type)
	assert.Equal(t, schema.FailureTransient, events[0].Failure.Kind)
	assert.Equal(t, schema.ActionRetry, events[1].Decision.Action)
	assert.Equal(t, schema.WorkflowSucceeded, events[2].StateChange.To)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
	}
}

func TestMemoryLedger(t *testing.T) {
	assertRoundTrip(t, NewMemory())
}

func TestMemoryLedgerReturnsCopies(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	written := sampleEvents("wf-1")
	for _, e := range written {
		require.NoError(t, l.Write(ctx, e))
	}
	written[0].Failure.Kind = schema.FailureModelError

	events, err := l.Read(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.FailureTransient, events[0].Failure.Kind)

	events[0].Failure.Diagnostic = "rewritten"
	events[1].Decision.Rationale = "rewritten"
	events[2].StateChange.To = schema.WorkflowFailed

	again, err := l.Read(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, again[0].Failure.Diagnostic)
	assert.Empty(t, again[1].Decision.Rationale)
	assert.Equal(t, schema.WorkflowSucceeded, again[2].StateChange.To)
}

func TestFileLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.jsonl")
	l, err := NewFile(path)
	require.NoError(t, err)
	assertRoundTrip(t, l)
	require.NoError(t, l.Close())

	// Reopening appends rather than truncating.
	l, err = NewFile(path)
	require.NoError(t, err)
	require.NoError(t, l.Write(context.Background(), sampleEvents("wf-1")[0]))
	require.NoError(t, l.Close())

	events, err := ReadFile(path, "")
	require.NoError(t, err)
	assert.Len(t, events, 5)

	assert.Error(t, l.Write(context.Background(), sampleEvents("wf-1")[0]))
}

func TestRedisLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer l.Close()

	assertRoundTrip(t, l)
	assert.True(t, mr.Exists("autoos:ledger:wf-1"))
	assert.True(t, mr.Exists("autoos:ledger:wf-2"))

	_, err = l.Read(context.Background(), "")
	assert.Error(t, err)
}

func TestRedisLedgerKeepsEveryEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, l.Write(ctx, FailureEvent(schema.FailureRecord{
			ID: fmt.Sprintf("f%d", i), WorkflowID: "wf-1", StepID: "s1", Kind: schema.FailureTransient, Timestamp: ts.Add(time.Duration(i) * time.Second),
		})))
	}

	events, err := l.Read(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("f%d", i), e.Failure.ID)
	}
}

func TestRedisLedgerConnectErrors(t *testing.T) {
	_, err := NewRedis(context.Background(), "http://localhost:6379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisFromClient(client, WithStreamPrefix("custom:"))
	assert.Equal(t, "custom:wf", l.StreamKey("wf"))
	require.NoError(t, l.Close())
}

func TestPostgresLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	l := NewPostgresFromDB(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, l.EnsureSchema(ctx))

	ev := sampleEvents("wf-1")[0]
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_events")).
		WithArgs(ev.ID, "wf-1", sqlmock.AnyArg(), "failure", sqlmock.AnyArg(), ev.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, l.Write(ctx, ev))

	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM ledger_events")).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))
	events, err := l.Read(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "f1", events[0].Failure.ID)

	mock.ExpectClose()
	require.NoError(t, l.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
