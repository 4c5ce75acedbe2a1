package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/task"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func newTracker(pub Publisher) *Tracker {
	tr := NewTracker(pub, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n time.Duration
	tr.now = func() time.Time {
		n++
		return base.Add(n * time.Second)
	}
	return tr
}

func TestTaskPercent(t *testing.T) {
	cases := []struct {
		tp   TaskProgress
		want int
	}{
		{TaskProgress{Status: StatusPending}, 0},
		{TaskProgress{Status: StatusInProgress}, 50},
		{TaskProgress{Status: StatusCritiquing}, 75},
		{TaskProgress{Status: StatusRetrying, Attempt: 2, MaxAttempts: 3}, 66},
		{TaskProgress{Status: StatusRetrying}, 0},
		{TaskProgress{Status: StatusCompleted}, 100},
		{TaskProgress{Status: StatusFailed}, 100},
		{TaskProgress{Status: StatusSkipped}, 100},
	}
	for _, c := range cases {
		if got := c.tp.Percent(); got != c.want {
			t.Errorf("%s attempt %d/%d: got %d, want %d", c.tp.Status, c.tp.Attempt, c.tp.MaxAttempts, got, c.want)
		}
	}
}

func TestTrackerLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	tr := newTracker(pub)

	tr.Start("wf", "write a poem")
	tr.SetStage("wf", StagePlanning)
	tr.AddTasks("wf", []*task.Task{{ID: "T1", Title: "a"}, {ID: "T2", Title: "b"}}, 3)
	tr.UpdateTask("wf", TaskUpdate{TaskID: "T1", Status: StatusInProgress})

	snap, ok := tr.Snapshot("wf")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Stage != StagePlanning || snap.ProgressPercent != 25 {
		t.Fatalf("stage %s percent %d", snap.Stage, snap.ProgressPercent)
	}
	if snap.Tasks[0].StartedAt == nil {
		t.Error("start time not recorded")
	}

	q := 0.8
	tr.UpdateTask("wf", TaskUpdate{TaskID: "T1", Status: StatusCompleted, Quality: &q, Output: "done"})
	tr.UpdateTask("wf", TaskUpdate{TaskID: "T2", Status: StatusSkipped})
	tr.UpdateTask("wf", TaskUpdate{TaskID: "missing", Status: StatusFailed})
	tr.Complete("wf", "final", true, "")

	snap, _ = tr.Snapshot("wf")
	if snap.Stage != StageCompleted || snap.ProgressPercent != 100 || snap.CompletedAt == nil {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}
	if snap.Counts[StatusCompleted] != 1 || snap.Counts[StatusSkipped] != 1 {
		t.Errorf("counts = %v", snap.Counts)
	}
	if *snap.Tasks[0].Quality != 0.8 {
		t.Errorf("quality = %v", *snap.Tasks[0].Quality)
	}

	wantTypes := []EventType{EventWorkflowStarted, EventStageChanged, EventTasksAdded, EventTaskUpdated,
		EventTaskUpdated, EventTaskUpdated, EventWorkflowCompleted}
	if len(pub.events) != len(wantTypes) {
		t.Fatalf("published %d events, want %d", len(pub.events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if pub.events[i].Type != want {
			t.Errorf("event %d = %s, want %s", i, pub.events[i].Type, want)
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := newTracker(nil)
	tr.Start("wf", "r")
	tr.AddTasks("wf", []*task.Task{{ID: "T1"}}, 3)
	tr.UpdateTask("wf", TaskUpdate{TaskID: "T1", Issues: []string{"x"}})

	snap, _ := tr.Snapshot("wf")
	snap.Tasks[0].Status = StatusFailed
	snap.Tasks[0].Issues[0] = "mutated"

	again, _ := tr.Snapshot("wf")
	if again.Tasks[0].Status != StatusPending || again.Tasks[0].Issues[0] != "x" {
		t.Fatal("snapshot shares state with tracker")
	}
}

func TestSubscribeAndList(t *testing.T) {
	tr := newTracker(&recordingPublisher{err: errors.New("redis down")})
	events, cancel := tr.Subscribe(8)

	tr.Start("b", "second")
	tr.Start("a", "first")
	tr.Complete("a", "", false, "boom")

	got := []EventType{(<-events).Type, (<-events).Type, (<-events).Type}
	if got[2] != EventWorkflowCompleted {
		t.Errorf("events = %v", got)
	}
	cancel()
	cancel()
	if _, open := <-events; open {
		t.Error("channel not closed after cancel")
	}

	list := tr.List()
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("list order = %v", list)
	}
	if list[1].Stage != StageFailed || list[1].Error != "boom" {
		t.Errorf("failed workflow = %+v", list[1])
	}

	tr.Remove("a")
	if _, ok := tr.Snapshot("a"); ok {
		t.Error("removed workflow still present")
	}
}

func TestFinishedWorkflowsAreEvicted(t *testing.T) {
	tr := newTracker(nil)
	tr.SetRetention(2)
	tr.Start("running", "r")
	for _, id := range []string{"a", "b", "c"} {
		tr.Start(id, "r")
		tr.Complete(id, "out", true, "")
	}
	tr.Complete("c", "again", true, "")

	if _, ok := tr.Snapshot("a"); ok {
		t.Error("oldest finished workflow should be evicted")
	}
	for _, id := range []string{"running", "b", "c"} {
		if _, ok := tr.Snapshot(id); !ok {
			t.Errorf("workflow %s should be kept", id)
		}
	}

	tr.SetRetention(1)
	if _, ok := tr.Snapshot("b"); ok {
		t.Error("shrinking retention should evict b")
	}
	if len(tr.List()) != 2 {
		t.Errorf("expected running and c, got %d workflows", len(tr.List()))
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	tr := newTracker(nil)
	_, cancel := tr.Subscribe(1)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Start("wf", "r")
		for i := 0; i < 10; i++ {
			tr.SetStage("wf", StagePlanning)
			tr.SetStage("wf", StageExecuting)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker blocked on a full subscriber")
	}
}
