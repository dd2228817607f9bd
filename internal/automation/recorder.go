package automation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/event"
)

// Recorder tuning.
const (
	recorderBuffer = 256
	pruneInterval  = time.Hour
	recordTimeout  = 5 * time.Second
)

// RunMetrics receives one point per finished run.
// *influxdb.Client satisfies it.
type RunMetrics interface {
	WriteRunMetric(scriptID, result string, durationMS int64, steps int, finishedAt time.Time)
}

// EventSource is the bus as seen by the recorder.
type EventSource interface {
	Listen(eventType string, handler event.Handler) func()
}

// Recorder persists run lifecycle events as RunRecord rows and run metrics.
//
// Bus handlers only enqueue; a single goroutine writes to the repository,
// so runs never wait on SQLite. When the buffer is full events are dropped
// and counted.
type Recorder struct {
	repo      Repository
	metrics   RunMetrics
	retention time.Duration
	logger    Logger
	now       func() time.Time

	events  chan event.Event
	stop    chan struct{}
	wg      sync.WaitGroup
	unsub   []func()
	dropped atomic.Int64
	once    sync.Once
}

// NewRecorder creates a recorder. metrics may be nil.
func NewRecorder(repo Repository, metrics RunMetrics) *Recorder {
	return &Recorder{
		repo:    repo,
		metrics: metrics,
		logger:  noopLogger{},
		now:     time.Now,
		events:  make(chan event.Event, recorderBuffer),
		stop:    make(chan struct{}),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// SetRetention enables hourly pruning of runs older than d. Zero keeps
// everything.
func (r *Recorder) SetRetention(d time.Duration) {
	r.retention = d
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start subscribes to the run lifecycle events and starts the writer.
func (r *Recorder) Start(ctx context.Context, bus EventSource) {
	for _, t := range []string{event.TypeRunStarted, event.TypeRunFinished, event.TypeRunError} {
		r.unsub = append(r.unsub, bus.Listen(t, r.enqueue))
	}
	r.wg.Add(1)
	go r.loop(context.WithoutCancel(ctx))
}

// Stop unsubscribes, writes what is already buffered and waits for the
// writer to exit.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		for _, u := range r.unsub {
			u()
		}
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Recorder) enqueue(ev event.Event) {
	select {
	case <-r.stop:
		return
	default:
	}
	select {
	case r.events <- ev:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("run recorder buffer full, dropping events")
		}
	}
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()

	var prune <-chan time.Time
	if r.retention > 0 {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		r.prune(ctx)
	}

	for {
		select {
		case ev := <-r.events:
			r.record(ctx, ev)
		case <-prune:
			r.prune(ctx)
		case <-r.stop:
			for {
				select {
				case ev := <-r.events:
					r.record(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	n, err := r.repo.PruneRuns(ctx, r.now().Add(-r.retention))
	if err != nil {
		r.logger.Warn("pruning run history", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned run history", "deleted", n)
	}
}

func (r *Recorder) record(ctx context.Context, ev event.Event) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	runID, _ := ev.Data["run_id"].(string)
	scriptID, _ := ev.Data["script_id"].(string)
	if runID == "" || scriptID == "" {
		return
	}
	if _, ok := ev.Data["routine_id"]; ok {
		// One action of a dag routine; the routine's own events carry the
		// totals.
		return
	}

	if ev.Type == event.TypeRunStarted {
		rec := &RunRecord{
			ID:            runID,
			ScriptID:      scriptID,
			CorrelationID: ev.Context.ID,
			UserID:        optional(ev.Context.UserID),
			Status:        RunStatusRunning,
			StartedAt:     ev.TimeFired,
		}
		if err := r.repo.CreateRun(ctx, rec); err != nil {
			r.logger.Warn("recording run start", "run_id", runID, "error", err)
		}
		return
	}

	result, _ := ev.Data["result"].(string)
	duration := toInt64(ev.Data["duration_ms"])
	steps := int(toInt64(ev.Data["steps"]))
	finished := ev.TimeFired

	rec := &RunRecord{
		ID:            runID,
		ScriptID:      scriptID,
		CorrelationID: ev.Context.ID,
		UserID:        optional(ev.Context.UserID),
		Status:        runStatus(result),
		StartedAt:     finished.Add(-time.Duration(duration) * time.Millisecond),
		FinishedAt:    &finished,
		DurationMS:    &duration,
		Steps:         steps,
	}
	if msg, ok := ev.Data["error"].(string); ok {
		rec.Error = &msg
	}
	if path, ok := ev.Data["path"].(string); ok {
		rec.ErrorPath = &path
	}

	err := r.repo.UpdateRun(ctx, rec)
	if errors.Is(err, ErrRunNotFound) {
		// The start event was dropped or predates the recorder.
		err = r.repo.CreateRun(ctx, rec)
	}
	if err != nil {
		r.logger.Warn("recording run result", "run_id", runID, "error", err)
	}

	if r.metrics != nil {
		r.metrics.WriteRunMetric(scriptID, string(rec.Status), duration, steps, finished)
	}
}

func runStatus(result string) RunStatus {
	switch result {
	case "success":
		return RunStatusSuccess
	case "cancelled":
		return RunStatusCancelled
	default:
		return RunStatusError
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
