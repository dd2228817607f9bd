package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/event"
)

// ─── Mock Dependencies ─────────────────────────────────────────────

type memRepo struct {
	mu     sync.Mutex
	runs   map[string]RunRecord
	pruned []time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{runs: make(map[string]RunRecord)}
}

func (m *memRepo) CreateRun(_ context.Context, rec *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.ID]; ok {
		return ErrExists
	}
	m.runs[rec.ID] = *rec
	return nil
}

func (m *memRepo) UpdateRun(_ context.Context, rec *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[rec.ID]
	if !ok {
		return ErrRunNotFound
	}
	cur.Status = rec.Status
	cur.FinishedAt = rec.FinishedAt
	cur.DurationMS = rec.DurationMS
	cur.Steps = rec.Steps
	cur.Error = rec.Error
	cur.ErrorPath = rec.ErrorPath
	m.runs[rec.ID] = cur
	return nil
}

func (m *memRepo) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &rec, nil
}

func (m *memRepo) ListRuns(context.Context, string, int) ([]RunRecord, error) {
	return nil, nil
}

func (m *memRepo) PruneRuns(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, before)
	return 0, nil
}

type runPoint struct {
	scriptID, result string
	durationMS       int64
	steps            int
}

type memMetrics struct {
	mu     sync.Mutex
	points []runPoint
}

func (m *memMetrics) WriteRunMetric(scriptID, result string, durationMS int64, steps int, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, runPoint{scriptID, result, durationMS, steps})
}

// ─── Tests ─────────────────────────────────────────────────────────

func startEvent(runID string, ctx event.Context, at time.Time) event.Event {
	return event.Event{
		Type:      event.TypeRunStarted,
		Data:      map[string]any{"script_id": "porch_lights", "run_id": runID},
		Context:   ctx,
		TimeFired: at,
	}
}

func TestRecorderStartAndFinish(t *testing.T) {
	bus := event.NewBus()
	repo := newMemRepo()
	metrics := &memMetrics{}
	rec := NewRecorder(repo, metrics)
	rec.Start(context.Background(), bus)

	origin := event.NewContext("user-1")
	started := time.Now()
	bus.Fire(startEvent("run-1", origin, started))
	bus.Fire(event.Event{
		Type: event.TypeRunFinished,
		Data: map[string]any{
			"script_id":   "porch_lights",
			"run_id":      "run-1",
			"result":      "success",
			"duration_ms": int64(250),
			"steps":       2,
		},
		Context:   origin,
		TimeFired: started.Add(250 * time.Millisecond),
	})
	rec.Stop()

	got, err := repo.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != RunStatusSuccess || got.Steps != 2 {
		t.Errorf("run = %+v", got)
	}
	if got.CorrelationID != origin.ID {
		t.Errorf("CorrelationID = %q, want %q", got.CorrelationID, origin.ID)
	}
	if got.UserID == nil || *got.UserID != "user-1" {
		t.Errorf("UserID = %v", got.UserID)
	}
	if got.DurationMS == nil || *got.DurationMS != 250 {
		t.Errorf("DurationMS = %v", got.DurationMS)
	}

	if len(metrics.points) != 1 {
		t.Fatalf("metrics = %d points, want 1", len(metrics.points))
	}
	if p := metrics.points[0]; p.scriptID != "porch_lights" || p.result != "success" || p.steps != 2 {
		t.Errorf("metric = %+v", p)
	}
}

func TestRecorderErrorWithoutStart(t *testing.T) {
	bus := event.NewBus()
	repo := newMemRepo()
	rec := NewRecorder(repo, nil)
	rec.Start(context.Background(), bus)

	finished := time.Now()
	bus.Fire(event.Event{
		Type: event.TypeRunError,
		Data: map[string]any{
			"script_id":   "porch_lights",
			"run_id":      "run-9",
			"result":      "error",
			"duration_ms": int64(1000),
			"steps":       1,
			"error":       "boom",
			"path":        "action/0",
		},
		Context:   event.NewContext(""),
		TimeFired: finished,
	})
	rec.Stop()

	got, err := repo.GetRun(context.Background(), "run-9")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != RunStatusError {
		t.Errorf("Status = %q, want error", got.Status)
	}
	if got.Error == nil || *got.Error != "boom" || got.ErrorPath == nil || *got.ErrorPath != "action/0" {
		t.Errorf("error fields = %v %v", got.Error, got.ErrorPath)
	}
	if want := finished.Add(-time.Second); !got.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, want)
	}
	if got.UserID != nil {
		t.Errorf("UserID = %v, want nil", *got.UserID)
	}
}

func TestRecorderIgnoresIncompleteEvents(t *testing.T) {
	bus := event.NewBus()
	repo := newMemRepo()
	rec := NewRecorder(repo, nil)
	rec.Start(context.Background(), bus)

	bus.Fire(event.Event{Type: event.TypeRunStarted, Data: map[string]any{"script_id": "x"}})
	rec.Stop()

	if len(repo.runs) != 0 {
		t.Errorf("runs = %d, want 0", len(repo.runs))
	}
}

func TestRecorderStopUnsubscribes(t *testing.T) {
	bus := event.NewBus()
	rec := NewRecorder(newMemRepo(), nil)
	rec.Start(context.Background(), bus)
	rec.Stop()
	rec.Stop()

	if n := bus.ListenerCount(event.TypeRunStarted); n != 0 {
		t.Errorf("ListenerCount() = %d, want 0", n)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	rec := NewRecorder(newMemRepo(), nil)
	// No writer running, so the buffer fills.
	for i := 0; i < recorderBuffer+5; i++ {
		rec.enqueue(startEvent("run", event.NewContext(""), time.Now()))
	}
	if got := rec.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestRecorderPrunesOnStart(t *testing.T) {
	repo := newMemRepo()
	rec := NewRecorder(repo, nil)
	fixed := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return fixed }
	rec.SetRetention(7 * 24 * time.Hour)
	rec.Start(context.Background(), event.NewBus())
	rec.Stop()

	if len(repo.pruned) != 1 {
		t.Fatalf("PruneRuns calls = %d, want 1", len(repo.pruned))
	}
	if want := fixed.Add(-7 * 24 * time.Hour); !repo.pruned[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", repo.pruned[0], want)
	}
}

func TestRunStatus(t *testing.T) {
	tests := map[string]RunStatus{
		"success":   RunStatusSuccess,
		"cancelled": RunStatusCancelled,
		"error":     RunStatusError,
		"":          RunStatusError,
	}
	for in, want := range tests {
		if got := runStatus(in); got != want {
			t.Errorf("runStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
