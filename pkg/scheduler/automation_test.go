package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/forgeops/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) automation(t *testing.T, id string, nextRun time.Time) *types.Automation {
	t.Helper()
	ctx := context.Background()
	task := f.cronTask(t, "task-"+id, time.Now().Add(time.Hour))

	automation := &types.Automation{
		ID:        id,
		Name:      "nightly " + id,
		Enabled:   true,
		CronExpr:  "0 3 * * *",
		NextRunAt: &nextRun,
		TaskID:    task.ID,
	}
	require.NoError(t, f.store.CreateAutomation(ctx, automation))
	return automation
}

func TestAutomationFires(t *testing.T) {
	f := newFixture(t, nil)
	f.automation(t, "auto-1", time.Now().Add(-time.Second))
	s := NewAutomationScheduler(f.store, f.provider, f.dispatcher)

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, 1, f.client.DispatchCount())
	running, err := f.store.ListRunsByState(context.Background(), types.RunStateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.NotEmpty(t, running[0].AutomationRunID)

	automations, err := f.store.ListAutomations(context.Background())
	require.NoError(t, err)
	require.Len(t, automations, 1)
	assert.Contains(t, automations[0].LastSummary, "dispatched")
	require.NotNil(t, automations[0].NextRunAt)
	assert.True(t, automations[0].NextRunAt.After(time.Now()))
}

func TestAutomationNotDueStaysQuiet(t *testing.T) {
	f := newFixture(t, nil)
	f.automation(t, "auto-1", time.Now().Add(time.Hour))
	s := NewAutomationScheduler(f.store, f.provider, f.dispatcher)

	require.NoError(t, s.Tick(context.Background()))
	assert.Zero(t, f.client.DispatchCount())
}

func TestAutomationWithMissingTaskDisabled(t *testing.T) {
	f := newFixture(t, nil)
	nextRun := time.Now().Add(-time.Second)
	require.NoError(t, f.store.CreateAutomation(context.Background(), &types.Automation{
		ID: "auto-1", Enabled: true, CronExpr: "0 3 * * *",
		NextRunAt: &nextRun, TaskID: "gone",
	}))
	s := NewAutomationScheduler(f.store, f.provider, f.dispatcher)

	require.NoError(t, s.Tick(context.Background()))

	automations, err := f.store.ListAutomations(context.Background())
	require.NoError(t, err)
	require.Len(t, automations, 1)
	assert.False(t, automations[0].Enabled)
}
