package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/autoos/pkg/schema"
)

func sampleSnapshot(id string) *Snapshot {
	return &Snapshot{
		Workflow: &schema.Workflow{
			ID:    id,
			Name:  "wf",
			State: schema.WorkflowPaused,
			Steps: []*schema.Step{{ID: "a", Role: schema.RoleExecutor, Status: schema.StepEscalated, RecoveryLevel: schema.LevelHumanEscalation}},
		},
		Decisions:  []schema.RecoveryDecision{{ID: "d1", Action: schema.ActionHumanEscalation}},
		Escalation: &schema.EscalationContext{StepID: "a", TriedProviders: []string{"openai"}},
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Save(ctx, sampleSnapshot("wf-2")))
	require.NoError(t, s.Save(ctx, sampleSnapshot("wf-1")))
	assert.Error(t, s.Save(ctx, &Snapshot{}))

	got, err := s.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowPaused, got.Workflow.State)
	assert.Equal(t, schema.LevelHumanEscalation, got.Workflow.Steps[0].RecoveryLevel)
	assert.Equal(t, []string{"openai"}, got.Escalation.TriedProviders)
	assert.False(t, got.SavedAt.IsZero())

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1", "wf-2"}, ids)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)

	// Loaded snapshots are copies.
	got, _ := m.Load(context.Background(), "wf-1")
	got.Workflow.Steps[0].Status = schema.StepSucceeded
	again, _ := m.Load(context.Background(), "wf-1")
	assert.Equal(t, schema.StepEscalated, again.Workflow.Steps[0].Status)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Connect(context.Background(), "redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
	assert.Equal(t, time.Hour, mr.TTL("autoos:workflow:wf-1"))

	mr.FastForward(2 * time.Hour)
	_, err = s.Load(context.Background(), "wf-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRedisStoreDefaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	require.NoError(t, s.Save(context.Background(), sampleSnapshot("wf")))
	assert.Equal(t, defaultTTL, mr.TTL("autoos:workflow:wf"))
}
