package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forgeops/foreman/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketProjects       = []byte("projects")
	bucketRepositories   = []byte("repositories")
	bucketTasks          = []byte("tasks")
	bucketRuns           = []byte("runs")
	bucketRuntimes       = []byte("runtimes")
	bucketLeases         = []byte("leases")
	bucketFindings       = []byte("findings")
	bucketAutomations    = []byte("automations")
	bucketAutomationRuns = []byte("automation_runs")
	bucketSettings       = []byte("settings")
	bucketEvents         = []byte("structured_events")
	bucketSequences      = []byte("run_sequences")
	bucketWorkflows      = []byte("workflow_executions")
)

var settingsKey = []byte("current")

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db      *bolt.DB
	dataDir string
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "foreman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketRepositories,
			bucketTasks,
			bucketRuns,
			bucketRuntimes,
			bucketLeases,
			bucketFindings,
			bucketAutomations,
			bucketAutomationRuns,
			bucketSettings,
			bucketEvents,
			bucketSequences,
			bucketWorkflows,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, dataDir: dataDir}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

// Project operations

func (s *BoltStore) CreateProject(ctx context.Context, project *types.Project) error {
	return s.put(bucketProjects, project.ID, project)
}

func (s *BoltStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var project types.Project
	if err := s.get(bucketProjects, id, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) ListProjects(ctx context.Context) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, &project)
			return nil
		})
	})
	return projects, err
}

// Repository operations

func (s *BoltStore) CreateRepository(ctx context.Context, repo *types.Repository) error {
	return s.put(bucketRepositories, repo.ID, repo)
}

func (s *BoltStore) GetRepository(ctx context.Context, id string) (*types.Repository, error) {
	var repo types.Repository
	if err := s.get(bucketRepositories, id, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) ListRepositories(ctx context.Context) ([]*types.Repository, error) {
	var repos []*types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).ForEach(func(k, v []byte) error {
			var repo types.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	return repos, err
}

func (s *BoltStore) UpdateRepository(ctx context.Context, repo *types.Repository) error {
	repo.UpdatedAt = time.Now().UTC()
	return s.put(bucketRepositories, repo.ID, repo)
}

// Task operations

func (s *BoltStore) CreateTask(ctx context.Context, task *types.Task) error {
	return s.put(bucketTasks, task.ID, task)
}

func (s *BoltStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := s.get(bucketTasks, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks(ctx context.Context) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(ctx context.Context, task *types.Task) error {
	task.UpdatedAt = time.Now().UTC()
	return s.put(bucketTasks, task.ID, task)
}

func (s *BoltStore) ListDueTasks(ctx context.Context, now time.Time, max int) ([]*types.Task, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return filterDueTasks(tasks, now, max), nil
}

// filterDueTasks selects enabled tasks whose NextRunAt has elapsed,
// oldest due time first, ID as tiebreak.
func filterDueTasks(tasks []*types.Task, now time.Time, max int) []*types.Task {
	var due []*types.Task
	for _, task := range tasks {
		if !task.Enabled || task.NextRunAt == nil {
			continue
		}
		if !task.NextRunAt.After(now) {
			due = append(due, task)
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
	return due
}

// Run operations

func (s *BoltStore) CreateRun(ctx context.Context, run *types.Run) error {
	return s.put(bucketRuns, run.ID, run)
}

func (s *BoltStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var run types.Run
	if err := s.get(bucketRuns, id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) UpdateRun(ctx context.Context, run *types.Run) error {
	return s.put(bucketRuns, run.ID, run)
}

func (s *BoltStore) mutateRun(id string, mutate func(run *types.Run) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		if err := mutate(&run); err != nil {
			return err
		}
		out, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) MarkRunPendingApproval(ctx context.Context, id string) error {
	return s.mutateRun(id, func(run *types.Run) error {
		if run.State != types.RunStateQueued {
			return fmt.Errorf("%w: run %s is %s", ErrConflict, id, run.State)
		}
		run.State = types.RunStatePendingApproval
		return nil
	})
}

func (s *BoltStore) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
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

func (s *BoltStore) MarkRunCompleted(ctx context.Context, id string, succeeded bool, summary string, output []byte, failureClass types.FailureClass, prURL string) error {
	return s.mutateRun(id, func(run *types.Run) error {
		if run.State.Terminal() {
			// Completion is idempotent; keep the first terminal state.
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

func (s *BoltStore) listRuns(filter func(*types.Run) bool) ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if filter == nil || filter(&run) {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) CountActiveRuns(ctx context.Context) (int, error) {
	runs, err := s.listRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning })
	return len(runs), err
}

func (s *BoltStore) CountActiveRunsByProject(ctx context.Context, projectID string) (int, error) {
	runs, err := s.listRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning && r.ProjectID == projectID })
	return len(runs), err
}

func (s *BoltStore) CountActiveRunsByRepo(ctx context.Context, repoID string) (int, error) {
	runs, err := s.listRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning && r.RepositoryID == repoID })
	return len(runs), err
}

func (s *BoltStore) CountActiveRunsByTask(ctx context.Context, taskID string) (int, error) {
	runs, err := s.listRuns(func(r *types.Run) bool { return r.State == types.RunStateRunning && r.TaskID == taskID })
	return len(runs), err
}

func (s *BoltStore) ListRunsByState(ctx context.Context, state types.RunState) ([]*types.Run, error) {
	runs, err := s.listRuns(func(r *types.Run) bool { return r.State == state })
	if err != nil {
		return nil, err
	}
	sortRunsByAge(runs)
	return runs, nil
}

// sortRunsByAge orders runs oldest first, ID as tiebreak
func sortRunsByAge(runs []*types.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}

func (s *BoltStore) ListAllRunIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) OldestQueuedRunForTask(ctx context.Context, taskID string) (*types.Run, error) {
	runs, err := s.listRuns(func(r *types.Run) bool {
		return r.State == types.RunStateQueued && r.TaskID == taskID
	})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no queued run for task %s", ErrNotFound, taskID)
	}
	sortRunsByAge(runs)
	return runs[0], nil
}

// Finding operations

func (s *BoltStore) CreateFinding(ctx context.Context, finding *types.Finding) error {
	return s.put(bucketFindings, finding.ID, finding)
}

func (s *BoltStore) ListFindings(ctx context.Context) ([]*types.Finding, error) {
	var findings []*types.Finding
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFindings).ForEach(func(k, v []byte) error {
			var finding types.Finding
			if err := json.Unmarshal(v, &finding); err != nil {
				return err
			}
			findings = append(findings, &finding)
			return nil
		})
	})
	return findings, err
}

// Automation operations

func (s *BoltStore) CreateAutomation(ctx context.Context, automation *types.Automation) error {
	return s.put(bucketAutomations, automation.ID, automation)
}

func (s *BoltStore) ListAutomations(ctx context.Context) ([]*types.Automation, error) {
	var automations []*types.Automation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).ForEach(func(k, v []byte) error {
			var automation types.Automation
			if err := json.Unmarshal(v, &automation); err != nil {
				return err
			}
			automations = append(automations, &automation)
			return nil
		})
	})
	return automations, err
}

func (s *BoltStore) UpdateAutomation(ctx context.Context, automation *types.Automation) error {
	automation.UpdatedAt = time.Now().UTC()
	return s.put(bucketAutomations, automation.ID, automation)
}

func (s *BoltStore) ListDueAutomations(ctx context.Context, now time.Time, max int) ([]*types.Automation, error) {
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

func (s *BoltStore) CreateAutomationRun(ctx context.Context, record *types.AutomationRun) error {
	return s.put(bucketAutomationRuns, record.ID, record)
}

// Task runtime operations

func (s *BoltStore) CreateRuntime(ctx context.Context, rt *types.TaskRuntime) error {
	return s.put(bucketRuntimes, rt.ID, rt)
}

func (s *BoltStore) GetRuntime(ctx context.Context, id string) (*types.TaskRuntime, error) {
	var rt types.TaskRuntime
	if err := s.get(bucketRuntimes, id, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *BoltStore) ListRuntimes(ctx context.Context) ([]*types.TaskRuntime, error) {
	var runtimes []*types.TaskRuntime
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuntimes).ForEach(func(k, v []byte) error {
			var rt types.TaskRuntime
			if err := json.Unmarshal(v, &rt); err != nil {
				return err
			}
			runtimes = append(runtimes, &rt)
			return nil
		})
	})
	return runtimes, err
}

func (s *BoltStore) UpdateRuntime(ctx context.Context, rt *types.TaskRuntime) error {
	return s.put(bucketRuntimes, rt.ID, rt)
}

func (s *BoltStore) DeleteRuntime(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuntimes).Delete([]byte(id))
	})
}

// Lease operations. The CAS runs inside a single bolt write transaction,
// which serializes against every other writer on this store.

func (s *BoltStore) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		now := time.Now().UTC()
		if data := b.Get([]byte(name)); data != nil {
			var lease types.Lease
			if err := json.Unmarshal(data, &lease); err != nil {
				return err
			}
			if lease.Live(now) && lease.Owner != owner {
				return nil
			}
		}
		lease := types.Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
		data, err := json.Marshal(&lease)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(name), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BoltStore) ReleaseLease(ctx context.Context, name, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var lease types.Lease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		if lease.Owner != owner {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

// Settings operations

func (s *BoltStore) GetSettings(ctx context.Context) (*types.Settings, error) {
	var settings types.Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(settingsKey)
		if data == nil {
			return fmt.Errorf("%w: settings", ErrNotFound)
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *BoltStore) SaveSettings(ctx context.Context, settings *types.Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSettings).Put(settingsKey, data)
	})
}

// SaveArtifact streams one run artifact to the artifact directory.
// Artifacts are large and opaque; they live on disk next to the
// database, not inside it.
func (s *BoltStore) SaveArtifact(ctx context.Context, runID, name string, r io.Reader) (int64, error) {
	dir := filepath.Join(s.dataDir, "artifacts", filepath.Base(runID))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact %s: %w", path, err)
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("failed to write artifact %s: %w", path, err)
	}
	return n, nil
}

// Structured event operations. Events are keyed runID/seq with a
// big-endian sequence so bucket order is per-run event order.

func eventKey(runID string, seq int64) []byte {
	key := make([]byte, 0, len(runID)+9)
	key = append(key, []byte(runID)...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(key, buf[:]...)
}

func (s *BoltStore) AppendStructuredEvent(ctx context.Context, event *types.StructuredEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		key := eventKey(event.RunID, event.Sequence)
		if b.Get(key) != nil {
			// Idempotent by (run, sequence)
			return nil
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListStructuredEvents(ctx context.Context, runID string, max int) ([]*types.StructuredEvent, error) {
	var events []*types.StructuredEvent
	prefix := append([]byte(runID), '/')
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var event types.StructuredEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if max > 0 && len(events) > max {
		events = events[len(events)-max:]
	}
	return events, nil
}

func (s *BoltStore) NextRunSequence(ctx context.Context, runID string) (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequences)
		var current int64
		if data := b.Get([]byte(runID)); data != nil {
			current = int64(binary.BigEndian.Uint64(data))
		}
		next = current + 1
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(next))
		return b.Put([]byte(runID), buf[:])
	})
	return next, err
}

// Workflow execution operations

func (s *BoltStore) CreateWorkflowExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	return s.put(bucketWorkflows, exec.ID, exec)
}

func (s *BoltStore) UpdateWorkflowExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	return s.put(bucketWorkflows, exec.ID, exec)
}

func (s *BoltStore) ListWorkflowExecutionsByState(ctx context.Context, state types.WorkflowExecutionState) ([]*types.WorkflowExecution, error) {
	var execs []*types.WorkflowExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var exec types.WorkflowExecution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if exec.State == state {
				execs = append(execs, &exec)
			}
			return nil
		})
	})
	return execs, err
}
