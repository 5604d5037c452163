package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/security"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/forgeops/foreman/pkg/workerapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fixture struct {
	store      *storage.MemStore
	client     *workerapi.FakeClient
	dispatcher *Dispatcher
	repo       *types.Repository
	task       *types.Task
}

func newFixture(t *testing.T, doc *types.Settings) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemStore()
	if doc == nil {
		doc = &types.Settings{}
	}
	require.NoError(t, store.SaveSettings(ctx, doc))

	secrets, err := security.NewSecretsManagerFromPassword("test-passphrase")
	require.NoError(t, err)

	client := workerapi.NewFakeClient()
	dispatcher := NewDispatcher(Config{
		Store:    store,
		Settings: settings.NewProvider(store),
		Secrets:  secrets,
		Client:   client,
	})

	repo := &types.Repository{ID: "repo-1", ProjectID: "proj-1", Name: "api", GitURL: "https://git.example.com/api.git"}
	require.NoError(t, store.CreateRepository(ctx, repo))

	task := &types.Task{
		ID:           "task-1",
		RepositoryID: repo.ID,
		Harness:      "claude-code",
		Command:      "review",
		Prompt:       "Review the open changes.",
		Enabled:      true,
	}
	require.NoError(t, store.CreateTask(ctx, task))

	return &fixture{store: store, client: client, dispatcher: dispatcher, repo: repo, task: task}
}

func (f *fixture) queuedRun(t *testing.T, id string) *types.Run {
	t.Helper()
	run := &types.Run{
		ID:           id,
		TaskID:       f.task.ID,
		RepositoryID: f.repo.ID,
		ProjectID:    f.repo.ProjectID,
		Attempt:      1,
		State:        types.RunStateQueued,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func (f *fixture) runningRun(t *testing.T, id, repoID, taskID string) {
	t.Helper()
	run := &types.Run{
		ID:           id,
		TaskID:       taskID,
		RepositoryID: repoID,
		ProjectID:    f.repo.ProjectID,
		Attempt:      1,
		State:        types.RunStateRunning,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
}

func TestDispatchAccepted(t *testing.T) {
	f := newFixture(t, nil)
	run := f.queuedRun(t, "run-1")

	accepted, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)
	assert.True(t, accepted)

	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateRunning, got.State)
	assert.NotNil(t, got.StartedAt)

	require.Equal(t, 1, f.client.DispatchCount())
	req := f.client.Dispatched[0]
	assert.Equal(t, run.ID, req.RunID)
	assert.Equal(t, "claude-code", req.Harness)
	assert.Equal(t, run.ID, req.Labels[workerapi.LabelRunID])
	assert.Equal(t, f.task.ID, req.Labels[workerapi.LabelTaskID])
	assert.Equal(t, f.repo.ID, req.Labels[workerapi.LabelRepoID])
	assert.Equal(t, "proj-1", req.Labels[workerapi.LabelProjectID])
}

func TestApprovalGateSkipsPlacement(t *testing.T) {
	f := newFixture(t, nil)
	f.task.Approval.RequireApproval = true
	run := f.queuedRun(t, "run-1")

	accepted, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)
	assert.True(t, accepted)

	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatePendingApproval, got.State)
	assert.Zero(t, f.client.DispatchCount(), "no worker RPC for approval-gated runs")
}

func TestAdmissionPerRepoDeferral(t *testing.T) {
	f := newFixture(t, &types.Settings{PerRepoConcurrencyLimit: 1})
	f.runningRun(t, "busy", f.repo.ID, "other-task")
	run := f.queuedRun(t, "run-1")

	accepted, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)

	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateQueued, got.State)
	assert.Zero(t, f.client.DispatchCount(), "no worker RPC on admission denial")
}

func TestAdmissionGlobalDeferral(t *testing.T) {
	f := newFixture(t, &types.Settings{MaxGlobalConcurrentRuns: 1})
	f.runningRun(t, "busy", "other-repo", "other-task")
	run := f.queuedRun(t, "run-1")

	accepted, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestAdmissionPerTaskDeferral(t *testing.T) {
	f := newFixture(t, nil)
	f.task.ConcurrencyLimit = 1
	f.runningRun(t, "busy", "other-repo", f.task.ID)
	run := f.queuedRun(t, "run-1")

	accepted, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestDispatchRejectionFailsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.client.RejectReason = "runtime at capacity"
	run := f.queuedRun(t, "run-1")

	accepted, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)

	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, got.State)
	assert.Equal(t, types.FailureClassDispatchRejected, got.FailureClass)
	assert.Equal(t, "runtime at capacity", got.Summary)

	findings, err := f.store.ListFindings(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, run.ID, findings[0].RunID)
}

func TestSecretsDecryptedIntoEnv(t *testing.T) {
	f := newFixture(t, nil)
	secrets, err := security.NewSecretsManagerFromPassword("test-passphrase")
	require.NoError(t, err)

	ghToken, err := secrets.Encrypt([]byte("gh-secret"))
	require.NoError(t, err)
	custom, err := secrets.Encrypt([]byte("custom-value"))
	require.NoError(t, err)

	f.repo.Secrets = []*types.ProviderSecret{
		{Name: "github-main", Provider: "github", Data: ghToken},
		{Name: "deploy key", Provider: "homegrown", Data: custom},
		{Name: "broken", Provider: "github", Data: []byte("not-ciphertext")},
	}
	run := f.queuedRun(t, "run-1")

	accepted, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)
	require.True(t, accepted)

	env := f.client.Dispatched[0].Env
	assert.Equal(t, "gh-secret", env["GH_TOKEN"])
	assert.Equal(t, "gh-secret", env["GITHUB_TOKEN"])
	assert.Equal(t, "custom-value", env["SECRET_DEPLOY_KEY"])
	// Decryption failures skip the secret, never abort the dispatch
	assert.NotContains(t, env, "SECRET_BROKEN")
}

func TestHarnessSettingsEnv(t *testing.T) {
	f := newFixture(t, nil)
	f.task.Harnessing = types.HarnessSettings{
		Model:       "opus",
		Temperature: 0.5,
		MaxTokens:   4096,
		Additional:  map[string]string{"reasoning effort": "high"},
	}
	run := f.queuedRun(t, "run-1")

	_, err := f.dispatcher.Dispatch(context.Background(), f.repo, f.task, run)
	require.NoError(t, err)

	env := f.client.Dispatched[0].Env
	assert.Equal(t, "opus", env["HARNESS_MODEL"])
	assert.Equal(t, "0.5", env["HARNESS_TEMPERATURE"])
	assert.Equal(t, "4096", env["HARNESS_MAX_TOKENS"])
	assert.Equal(t, "high", env["HARNESS_REASONING_EFFORT"])
}

func TestDispatchNextQueuedPicksOldest(t *testing.T) {
	f := newFixture(t, nil)
	old := &types.Run{
		ID: "older", TaskID: f.task.ID, RepositoryID: f.repo.ID,
		Attempt: 1, State: types.RunStateQueued,
		CreatedAt: time.Now().Add(-time.Hour).UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), old))
	f.queuedRun(t, "newer")

	accepted, err := f.dispatcher.DispatchNextQueuedForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "older", f.client.Dispatched[0].RunID)
}

func TestDispatchNextQueuedEmpty(t *testing.T) {
	f := newFixture(t, nil)
	accepted, err := f.dispatcher.DispatchNextQueuedForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestCancelForwardsToClient(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.Cancel(context.Background(), "run-1")
	assert.Equal(t, []string{"run-1"}, f.client.Cancelled)
}
