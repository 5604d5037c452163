package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/types"
)

// MemStore is an in-memory Store used by tests and single-process
// development. It honors the same contracts as BoltStore.
type MemStore struct {
	mu sync.Mutex

	projects       map[string]*types.Project
	repositories   map[string]*types.Repository
	tasks          map[string]*types.Task
	runs           map[string]*types.Run
	runtimes       map[string]*types.TaskRuntime
	leases         map[string]*types.Lease
	findings       map[string]*types.Finding
	automations    map[string]*types.Automation
	automationRuns map[string]*types.AutomationRun
	settings       *types.Settings
	artifacts      map[string][]byte
	events         map[string][]*types.StructuredEvent
	sequences      map[string]int64
	workflows      map[string]*types.WorkflowExecution
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		projects:       make(map[string]*types.Project),
		repositories:   make(map[string]*types.Repository),
		tasks:          make(map[string]*types.Task),
		runs:           make(map[string]*types.Run),
		runtimes:       make(map[string]*types.TaskRuntime),
		leases:         make(map[string]*types.Lease),
		findings:       make(map[string]*types.Finding),
		automations:    make(map[string]*types.Automation),
		automationRuns: make(map[string]*types.AutomationRun),
		artifacts:      make(map[string][]byte),
		events:         make(map[string][]*types.StructuredEvent),
		sequences:      make(map[string]int64),
		workflows:      make(map[string]*types.WorkflowExecution),
	}
}

func (s *MemStore) Close() error { return nil }

// Projects

func (s *MemStore) CreateProject(ctx context.Context, project *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *project
	s.projects[project.ID] = &cp
	return nil
}

func (s *MemStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	cp := *project
	return &cp, nil
}

func (s *MemStore) ListProjects(ctx context.Context) ([]*types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Project
	for _, project := range s.projects {
		cp := *project
		out = append(out, &cp)
	}
	return out, nil
}

// Repositories

func (s *MemStore) CreateRepository(ctx context.Context, repo *types.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *repo
	s.repositories[repo.ID] = &cp
	return nil
}

func (s *MemStore) GetRepository(ctx context.Context, id string) (*types.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repositories[id]
	if !ok {
		return nil, fmt.Errorf("%w: repository %s", ErrNotFound, id)
	}
	cp := *repo
	return &cp, nil
}

func (s *MemStore) ListRepositories(ctx context.Context) ([]*types.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Repository
	for _, repo := range s.repositories {
		cp := *repo
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateRepository(ctx context.Context, repo *types.Repository) error {
	repo.UpdatedAt = time.Now().UTC()
	return s.CreateRepository(ctx, repo)
}

// Tasks

func (s *MemStore) CreateTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	cp := *task
	return &cp, nil
}

func (s *MemStore) ListTasks(ctx context.Context) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, task := range s.tasks {
		cp := *task
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateTask(ctx context.Context, task *types.Task) error {
	task.UpdatedAt = time.Now().UTC()
	return s.CreateTask(ctx, task)
}

func (s *MemStore) ListDueTasks(ctx context.Context, now time.Time, max int) ([]*types.Task, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return filterDueTasks(tasks, now, max), nil
}

// Runs

func (s *MemStore) CreateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemStore) UpdateRun(ctx context.Context, run *types.Run) error {
	return s.CreateRun(ctx, run)
}

func (s *MemStore) mutateRun(id string, mutate func(run *types.Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return mutate(run)
}

func (s *MemStore) MarkRunPendingApproval(ctx context.Context, id string) error {
	return s.mutateRun(id, func(run *types.Run) error {
		if run.State != types.RunStateQueued {
			return fmt.Errorf("%w: run %s is %s", ErrConflict, id, run.State)
		}
		run.State = types.RunStatePendingApproval
		return nil
	})
}

func (s *MemStore) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
	return s.mutateRun(id, func(run *types.Run) error {
		if run.State.Terminal() {
			return fmt.Errorf("%w: run %s is %s", ErrConflict, id, run.State)
		}
		run.State = types.RunStateRunning
		t := startedAt.UTC()
		run.StartedAt = &t
		return nil
	})
}

func (s *MemStore) MarkRunCompleted(ctx context.Context, id string, succeeded bool, summary string, output []byte, failureClass types.FailureClass, prURL string) error {
	return s.mutateRun(id, func(run *types.Run) error {
		if run.State.Terminal() {
			return nil
		}
		if succeeded {
			run.State = types.RunStateSucceeded
		} else {
			run.State = types.RunStateFailed
			run.FailureClass = failureClass
		}
		now := time.Now().UTC()
		run.EndedAt = &now
		run.Summary = summary
		if output != nil {
			run.Output = output
		}
		if prURL != "" {
			run.PRURL = prURL
		}
		return nil
	})
}

func (s *MemStore) countRuns(filter func(*types.Run) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, run := range s.runs {
		if filter(run) {
			count++
		}
	}
	return count
}

func (s *MemStore) CountActiveRuns(ctx context.Context) (int, error) {
	return s.countRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning }), nil
}

func (s *MemStore) CountActiveRunsByProject(ctx context.Context, projectID string) (int, error) {
	return s.countRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning && r.ProjectID == projectID }), nil
}

func (s *MemStore) CountActiveRunsByRepo(ctx context.Context, repoID string) (int, error) {
	return s.countRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning && r.RepositoryID == repoID }), nil
}

func (s *MemStore) CountActiveRunsByTask(ctx context.Context, taskID string) (int, error) {
	return s.countRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning && r.TaskID == taskID }), nil
}

func (s *MemStore) ListRunsByState(ctx context.Context, state types.RunState) ([]*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Run
	for _, run := range s.runs {
		if run.State == state {
			cp := *run
			out = append(out, &cp)
		}
	}
	sortRunsByAge(out)
	return out, nil
}

func (s *MemStore) ListAllRunIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) OldestQueuedRunForTask(ctx context.Context, taskID string) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []*types.Run
	for _, run := range s.runs {
		if run.State == types.RunStateQueued && run.TaskID == taskID {
			cp := *run
			queued = append(queued, &cp)
		}
	}
	if len(queued) == 0 {
		return nil, fmt.Errorf("%w: no queued run for task %s", ErrNotFound, taskID)
	}
	sortRunsByAge(queued)
	return queued[0], nil
}

// Findings

func (s *MemStore) CreateFinding(ctx context.Context, finding *types.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *finding
	s.findings[finding.ID] = &cp
	return nil
}

func (s *MemStore) ListFindings(ctx context.Context) ([]*types.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Finding
	for _, finding := range s.findings {
		cp := *finding
		out = append(out, &cp)
	}
	return out, nil
}

// Automations

func (s *MemStore) CreateAutomation(ctx context.Context, automation *types.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *automation
	s.automations[automation.ID] = &cp
	return nil
}

func (s *MemStore) ListAutomations(ctx context.Context) ([]*types.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Automation
	for _, automation := range s.automations {
		cp := *automation
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateAutomation(ctx context.Context, automation *types.Automation) error {
	automation.UpdatedAt = time.Now().UTC()
	return s.CreateAutomation(ctx, automation)
}

func (s *MemStore) ListDueAutomations(ctx context.Context, now time.Time, max int) ([]*types.Automation, error) {
	automations, err := s.ListAutomations(ctx)
	if err != nil {
		return nil, err
	}
	var due []*types.Automation
	for _, automation := range automations {
		if !automation.Enabled || automation.NextRunAt == nil {
			continue
		}
		if !automation.NextRunAt.After(now) {
			due = append(due, automation)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	if max >= 0 && len(due) > max {
		due = due[:max]
	}
	return due, nil
}

func (s *MemStore) CreateAutomationRun(ctx context.Context, record *types.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.automationRuns[record.ID] = &cp
	return nil
}

// Task runtimes

func (s *MemStore) CreateRuntime(ctx context.Context, rt *types.TaskRuntime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rt
	s.runtimes[rt.ID] = &cp
	return nil
}

func (s *MemStore) GetRuntime(ctx context.Context, id string) (*types.TaskRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: runtime %s", ErrNotFound, id)
	}
	cp := *rt
	return &cp, nil
}

func (s *MemStore) ListRuntimes(ctx context.Context) ([]*types.TaskRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TaskRuntime
	for _, rt := range s.runtimes {
		cp := *rt
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateRuntime(ctx context.Context, rt *types.TaskRuntime) error {
	return s.CreateRuntime(ctx, rt)
}

func (s *MemStore) DeleteRuntime(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runtimes, id)
	return nil
}

// Leases

func (s *MemStore) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if lease, ok := s.leases[name]; ok && lease.Live(now) && lease.Owner != owner {
		return false, nil
	}
	s.leases[name] = &types.Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemStore) ReleaseLease(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[name]; ok && lease.Owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// Settings

func (s *MemStore) GetSettings(ctx context.Context) (*types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return nil, fmt.Errorf("%w: settings", ErrNotFound)
	}
	cp := *s.settings
	return &cp, nil
}

func (s *MemStore) SaveSettings(ctx context.Context, settings *types.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *settings
	s.settings = &cp
	return nil
}

// Artifacts

func (s *MemStore) SaveArtifact(ctx context.Context, runID, name string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[runID+"/"+name] = data
	return int64(len(data)), nil
}

// Structured events

func (s *MemStore) AppendStructuredEvent(ctx context.Context, event *types.StructuredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[event.RunID] {
		if existing.Sequence == event.Sequence {
			return nil
		}
	}
	cp := *event
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	sort.Slice(s.events[event.RunID], func(i, j int) bool {
		return s.events[event.RunID][i].Sequence < s.events[event.RunID][j].Sequence
	})
	return nil
}

func (s *MemStore) ListStructuredEvents(ctx context.Context, runID string, max int) ([]*types.StructuredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[runID]
	if max > 0 && len(events) > max {
		events = events[len(events)-max:]
	}
	out := make([]*types.StructuredEvent, 0, len(events))
	for _, event := range events {
		cp := *event
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) NextRunSequence(ctx context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[runID]++
	return s.sequences[runID], nil
}

// Workflow executions

func (s *MemStore) CreateWorkflowExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.workflows[exec.ID] = &cp
	return nil
}

func (s *MemStore) UpdateWorkflowExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	return s.CreateWorkflowExecution(ctx, exec)
}

func (s *MemStore) ListWorkflowExecutionsByState(ctx context.Context, state types.WorkflowExecutionState) ([]*types.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WorkflowExecution
	for _, exec := range s.workflows {
		if exec.State == state {
			cp := *exec
			out = append(out, &cp)
		}
	}
	return out, nil
}
