// Package graph is the dependency store: it persists tasks and their edges
// and answers "which tasks are unblocked" without rescanning the whole graph.
// Readiness is maintained incrementally: every task carries a counter of
// incomplete prerequisites, decremented when a prerequisite completes; tasks
// enter the per-workspace ready-set the moment the counter hits zero.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"flowline/internal/domain"
	"flowline/internal/repo"
)

// CycleError is returned by AddDependency when the edge would close a cycle.
// The graph is left unchanged.
type CycleError struct {
	TaskID          string
	DependsOnTaskID string
}

func (e *CycleError) Error() string {
	if e.TaskID == "" {
		return "task dependencies contain a cycle"
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.TaskID, e.DependsOnTaskID)
}

type node struct {
	id          string
	workspaceID string
	priority    int
	createdAt   string
	status      string
	remaining   int // prerequisites not yet completed
}

// Store keeps the in-memory readiness index over the task_dependencies table.
// All exported methods are safe for concurrent use.
type Store struct {
	DB   *sql.DB
	Repo repo.Repo

	// Notify, when set, is called (outside the lock) with a workspace id
	// whenever that workspace's ready-set grows.
	Notify func(workspaceID string)

	mu       sync.Mutex
	nodes    map[string]*node
	prereqs  map[string][]string // task -> prerequisites
	dependts map[string][]string // prerequisite -> dependents
	ready    map[string]map[string]bool // workspace -> ready task ids
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		nodes:    map[string]*node{},
		prereqs:  map[string][]string{},
		dependts: map[string][]string{},
		ready:    map[string]map[string]bool{},
	}
}

// Load rebuilds the index from the database, so a restart resumes with the
// same ready-set it would have had.
func (s *Store) Load(ctx context.Context) error {
	tasks, err := s.Repo.ListTasks(ctx, repo.TaskFilters{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = map[string]*node{}
	s.prereqs = map[string][]string{}
	s.dependts = map[string][]string{}
	s.ready = map[string]map[string]bool{}
	for _, t := range tasks {
		s.nodes[t.ID] = &node{
			id:          t.ID,
			workspaceID: t.WorkspaceID,
			priority:    t.Priority,
			createdAt:   t.CreatedAt,
			status:      t.Status,
		}
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT task_id, depends_on_task_id FROM task_dependencies`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return err
		}
		s.prereqs[taskID] = append(s.prereqs[taskID], dep)
		s.dependts[dep] = append(s.dependts[dep], taskID)
		if n := s.nodes[taskID]; n != nil {
			if d := s.nodes[dep]; d == nil || d.status != "completed" {
				n.remaining++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, n := range s.nodes {
		if n.status == "pending" && n.remaining == 0 {
			s.pushReadyLocked(n)
		}
	}
	return nil
}

// AddTask registers a task already persisted by the caller's transaction.
func (s *Store) AddTask(t domain.Task) {
	s.mu.Lock()
	n := &node{
		id:          t.ID,
		workspaceID: t.WorkspaceID,
		priority:    t.Priority,
		createdAt:   t.CreatedAt,
		status:      t.Status,
	}
	s.nodes[t.ID] = n
	var notify string
	if n.status == "pending" && n.remaining == 0 {
		s.pushReadyLocked(n)
		notify = n.workspaceID
	}
	s.mu.Unlock()
	if notify != "" && s.Notify != nil {
		s.Notify(notify)
	}
}

// AddTaskWithDeps registers a freshly committed task together with its
// already persisted edges. The caller guarantees the edges are acyclic
// (they were validated before the insert).
func (s *Store) AddTaskWithDeps(t domain.Task, deps []string) {
	s.mu.Lock()
	n := &node{
		id:          t.ID,
		workspaceID: t.WorkspaceID,
		priority:    t.Priority,
		createdAt:   t.CreatedAt,
		status:      t.Status,
	}
	s.nodes[t.ID] = n
	for _, dep := range deps {
		s.prereqs[t.ID] = append(s.prereqs[t.ID], dep)
		s.dependts[dep] = append(s.dependts[dep], t.ID)
		if d := s.nodes[dep]; d == nil || d.status != "completed" {
			n.remaining++
		}
	}
	var notify string
	if n.status == "pending" && n.remaining == 0 {
		s.pushReadyLocked(n)
		notify = n.workspaceID
	}
	s.mu.Unlock()
	if notify != "" && s.Notify != nil {
		s.Notify(notify)
	}
}

// AddDependency persists the edge task -> prerequisite and updates the
// readiness counters. Fails with *CycleError if the edge would close a cycle;
// neither the index nor the table is changed in that case.
func (s *Store) AddDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	s.mu.Lock()
	if taskID == dependsOn || s.reachableLocked(dependsOn, taskID) {
		s.mu.Unlock()
		return &CycleError{TaskID: taskID, DependsOnTaskID: dependsOn}
	}
	s.mu.Unlock()

	if err := s.Repo.AddDependency(ctx, tx, taskID, dependsOn); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prereqs[taskID] = append(s.prereqs[taskID], dependsOn)
	s.dependts[dependsOn] = append(s.dependts[dependsOn], taskID)
	n := s.nodes[taskID]
	dep := s.nodes[dependsOn]
	if n != nil && (dep == nil || dep.status != "completed") {
		n.remaining++
		if set := s.ready[n.workspaceID]; set != nil {
			delete(set, n.id)
		}
	}
	return nil
}

// reachableLocked reports whether `to` is reachable from `from` following
// depends-on edges.
func (s *Store) reachableLocked(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, s.prereqs[cur]...)
	}
	return false
}

// MarkStatus records a task status change. Completion decrements dependents'
// counters and promotes newly unblocked tasks into the ready-set.
func (s *Store) MarkStatus(taskID, status string) {
	s.mu.Lock()
	n := s.nodes[taskID]
	if n == nil {
		s.mu.Unlock()
		return
	}
	prev := n.status
	n.status = status
	notify := map[string]bool{}

	if set := s.ready[n.workspaceID]; set != nil && status != "pending" {
		delete(set, taskID)
	}
	if status == "pending" && n.remaining == 0 {
		s.pushReadyLocked(n)
		notify[n.workspaceID] = true
	}
	if status == "completed" && prev != "completed" {
		for _, depID := range s.dependts[taskID] {
			d := s.nodes[depID]
			if d == nil {
				continue
			}
			if d.remaining > 0 {
				d.remaining--
			}
			if d.remaining == 0 && d.status == "pending" {
				s.pushReadyLocked(d)
				notify[d.workspaceID] = true
			}
		}
	}
	s.mu.Unlock()
	if s.Notify != nil {
		for ws := range notify {
			s.Notify(ws)
		}
	}
}

func (s *Store) pushReadyLocked(n *node) {
	set := s.ready[n.workspaceID]
	if set == nil {
		set = map[string]bool{}
		s.ready[n.workspaceID] = set
	}
	set[n.id] = true
}

// ReadyTasks returns the ids of unblocked pending tasks in a workspace,
// ordered by (priority desc, created_at asc).
func (s *Store) ReadyTasks(workspaceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked(workspaceID, nil)
}

// NextReady returns the best ready task not in the exclusion set, if any.
func (s *Store) NextReady(workspaceID string, exclude map[string]bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.readyLocked(workspaceID, exclude)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Workspaces lists workspaces that currently have ready tasks.
func (s *Store) Workspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []string
	for ws, set := range s.ready {
		if len(set) > 0 {
			res = append(res, ws)
		}
	}
	sort.Strings(res)
	return res
}

func (s *Store) readyLocked(workspaceID string, exclude map[string]bool) []string {
	set := s.ready[workspaceID]
	if len(set) == 0 {
		return nil
	}
	nodes := make([]*node, 0, len(set))
	for id := range set {
		if exclude != nil && exclude[id] {
			continue
		}
		if n := s.nodes[id]; n != nil {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].priority != nodes[j].priority {
			return nodes[i].priority > nodes[j].priority
		}
		if nodes[i].createdAt != nodes[j].createdAt {
			return nodes[i].createdAt < nodes[j].createdAt
		}
		return nodes[i].id < nodes[j].id
	})
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.id
	}
	return ids
}
