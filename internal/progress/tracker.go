package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// Publisher forwards events outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

const (
	publishTimeout = 2 * time.Second
	// DefaultRetention is how many finished workflows a Tracker keeps.
	DefaultRetention = 256
)

// Tracker is the in-memory registry of workflow progress. All reads return
// copies.
type Tracker struct {
	mu        sync.Mutex
	workflows map[string]*Workflow
	subs      map[int]chan Event
	nextSub   int
	finished  []string
	retain    int

	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker creates a Tracker. publisher may be nil.
func NewTracker(publisher Publisher, logger *zap.Logger) *Tracker {
	return &Tracker{
		workflows: make(map[string]*Workflow),
		subs:      make(map[int]chan Event),
		retain:    DefaultRetention,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// SetRetention bounds how many finished workflows stay readable. Older
// finished workflows are dropped first; running ones are never dropped.
func (t *Tracker) SetRetention(n int) {
	if n < 1 {
		n = 1
	}
	t.mu.Lock()
	t.retain = n
	t.evictLocked()
	t.mu.Unlock()
}

// Start begins tracking a workflow in the initializing stage.
func (t *Tracker) Start(id, request string) Workflow {
	t.mu.Lock()
	now := t.now()
	w := &Workflow{ID: id, Request: request, Stage: StageInitializing, StartedAt: now, UpdatedAt: now}
	t.workflows[id] = w
	ev := t.eventLocked(EventWorkflowStarted, w, "")
	t.mu.Unlock()

	t.logger.Info("workflow started", zap.String("workflow_id", id))
	t.emit(ev)
	return ev.Workflow
}

// SetStage moves a workflow to stage.
func (t *Tracker) SetStage(id string, stage Stage) {
	t.update(id, EventStageChanged, "", func(w *Workflow) bool {
		if w.Stage == stage {
			return false
		}
		w.Stage = stage
		return true
	})
	t.logger.Debug("workflow stage", zap.String("workflow_id", id), zap.String("stage", string(stage)))
}

// SetClarification records clarification state.
func (t *Tracker) SetClarification(id string, rounds int, pending string) {
	t.update(id, EventStageChanged, "", func(w *Workflow) bool {
		w.ClarificationRounds = rounds
		w.PendingQuestion = pending
		return true
	})
}

// AddTasks registers plan tasks as pending, replacing any earlier plan.
func (t *Tracker) AddTasks(id string, tasks []*task.Task, maxAttempts int) {
	t.update(id, EventTasksAdded, "", func(w *Workflow) bool {
		w.Tasks = make([]TaskProgress, 0, len(tasks))
		for _, tk := range tasks {
			w.Tasks = append(w.Tasks, TaskProgress{
				TaskID:      tk.ID,
				Title:       tk.Title,
				Description: tk.Description,
				Status:      StatusPending,
				Attempt:     1,
				MaxAttempts: maxAttempts,
			})
		}
		return true
	})
}

// UpdateTask applies u to its task.
func (t *Tracker) UpdateTask(id string, u TaskUpdate) {
	t.update(id, EventTaskUpdated, u.TaskID, func(w *Workflow) bool {
		tp := w.task(u.TaskID)
		if tp == nil {
			return false
		}
		now := t.now()
		if u.Status != "" {
			tp.Status = u.Status
			if u.Status == StatusInProgress && tp.StartedAt == nil {
				tp.StartedAt = &now
			}
			if u.Status.terminal() {
				tp.EndedAt = &now
			}
		}
		if u.Attempt > 0 {
			tp.Attempt = u.Attempt
		}
		if u.MaxAttempts > 0 {
			tp.MaxAttempts = u.MaxAttempts
		}
		if u.Output != "" {
			tp.Output = textutil.Truncate(u.Output, 200)
		}
		if u.Error != "" {
			tp.Error = u.Error
		}
		if u.Quality != nil {
			q := *u.Quality
			tp.Quality = &q
		}
		if u.Issues != nil {
			tp.Issues = append([]string(nil), u.Issues...)
		}
		return true
	})
}

// Complete finishes a workflow.
func (t *Tracker) Complete(id, finalOutput string, success bool, errMsg string) {
	t.update(id, EventWorkflowCompleted, "", func(w *Workflow) bool {
		now := t.now()
		if w.CompletedAt == nil {
			t.finished = append(t.finished, id)
		}
		w.CompletedAt = &now
		w.FinalOutput = finalOutput
		w.Error = errMsg
		w.PendingQuestion = ""
		if success {
			w.Stage = StageCompleted
		} else {
			w.Stage = StageFailed
		}
		return true
	})
	t.mu.Lock()
	t.evictLocked()
	t.mu.Unlock()
	t.logger.Info("workflow finished", zap.String("workflow_id", id), zap.Bool("success", success))
}

func (t *Tracker) evictLocked() {
	for len(t.finished) > t.retain {
		id := t.finished[0]
		t.finished = t.finished[1:]
		// A restarted id is running again and stays.
		if w, ok := t.workflows[id]; ok && w.CompletedAt != nil {
			delete(t.workflows, id)
		}
	}
}

// Snapshot returns a copy of one workflow.
func (t *Tracker) Snapshot(id string) (Workflow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workflows[id]
	if !ok {
		return Workflow{}, false
	}
	return w.clone(), true
}

// List returns copies of all workflows, oldest first.
func (t *Tracker) List() []Workflow {
	t.mu.Lock()
	out := make([]Workflow, 0, len(t.workflows))
	for _, w := range t.workflows {
		out = append(out, w.clone())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Remove forgets a workflow.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.workflows, id)
	t.mu.Unlock()
}

// Subscribe returns a channel of events and a cancel func. Slow
// subscribers miss events rather than blocking the tracker.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) update(id string, typ EventType, taskID string, fn func(*Workflow) bool) {
	t.mu.Lock()
	w, ok := t.workflows[id]
	if !ok || !fn(w) {
		t.mu.Unlock()
		return
	}
	w.UpdatedAt = t.now()
	ev := t.eventLocked(typ, w, taskID)
	t.mu.Unlock()
	t.emit(ev)
}

// eventLocked builds an event and fans it out to subscribers. t.mu is held
// so that subscribers see events in order and cancel cannot race a send.
func (t *Tracker) eventLocked(typ EventType, w *Workflow, taskID string) Event {
	ev := Event{Type: typ, WorkflowID: w.ID, TaskID: taskID, Time: t.now(), Workflow: w.clone()}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

func (t *Tracker) emit(ev Event) {
	if t.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := t.publisher.Publish(ctx, ev); err != nil {
		t.logger.Warn("publish progress event failed",
			zap.String("workflow_id", ev.WorkflowID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
