package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line-protocol bodies posted to
// /api/v2/write.
type fakeInflux struct {
	*httptest.Server

	mu          sync.Mutex
	lines       []string
	pingStatus  int
	writeStatus int
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{pingStatus: http.StatusNoContent, writeStatus: http.StatusNoContent}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(f.pingStatus)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		if f.writeStatus >= http.StatusBadRequest {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.writeStatus)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"rejected"}`))
			return
		}
		for line := range strings.SplitSeq(strings.TrimSpace(string(body)), "\n") {
			f.lines = append(f.lines, line)
		}
		w.WriteHeader(f.writeStatus)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) setPing(status int) {
	f.mu.Lock()
	f.pingStatus = status
	f.mu.Unlock()
}

func (f *fakeInflux) setWrite(status int) {
	f.mu.Lock()
	f.writeStatus = status
	f.mu.Unlock()
}

// waitLines polls until at least n lines arrived.
func (f *fakeInflux) waitLines(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		got := append([]string(nil), f.lines...)
		f.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d lines, want %d", len(got), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fakeInflux) lineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "home",
		Bucket:        "automation",
		BatchSize:     10,
		FlushInterval: 60,
	}
}

func connect(t *testing.T, f *fakeInflux, site string) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(context.Background(), testConfig(f.URL), site)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func assertContains(t *testing.T, line string, parts ...string) {
	t.Helper()
	for _, p := range parts {
		if !strings.Contains(line, p) {
			t.Errorf("line %q missing %q", line, p)
		}
	}
}

// ─── Connect ───────────────────────────────────────────────────────

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	client, err := influxdb.Connect(context.Background(), cfg, "")
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Fatalf("Connect() error = %v, want ErrDisabled", err)
	}
	if client != nil {
		t.Error("client should be nil when disabled")
	}
}

func TestConnectFailures(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		f := newFakeInflux(t)
		url := f.URL
		f.Close()

		_, err := influxdb.Connect(context.Background(), testConfig(url), "")
		if !errors.Is(err, influxdb.ErrConnectionFailed) {
			t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
		}
	})

	t.Run("ping rejected", func(t *testing.T) {
		f := newFakeInflux(t)
		f.setPing(http.StatusServiceUnavailable)

		_, err := influxdb.Connect(context.Background(), testConfig(f.URL), "")
		if !errors.Is(err, influxdb.ErrConnectionFailed) {
			t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFakeInflux(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := influxdb.Connect(ctx, testConfig(f.URL), ""); err == nil {
			t.Error("Connect() with cancelled context should fail")
		}
	})
}

// ─── Health ────────────────────────────────────────────────────────

func TestHealthCheck(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f, "")
	ctx := context.Background()

	if err := client.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	f.setPing(http.StatusServiceUnavailable)
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should fail when ping is rejected")
	}

	_ = client.Close()
	if err := client.HealthCheck(ctx); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestNilClient(t *testing.T) {
	var client *influxdb.Client

	if client.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

// ─── Metrics ───────────────────────────────────────────────────────

func TestWriteRunMetric(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f, "villa")

	finished := time.Unix(1760000000, 0)
	client.WriteRunMetric("lock_up", "success", 1250, 4, finished)
	client.Flush()

	lines := f.waitLines(t, 1)
	assertContains(t, lines[0],
		"script_run,",
		"script_id=lock_up",
		"status=success",
		"site=villa",
		"duration_ms=1250i",
		"steps=4i",
		"1760000000000000000",
	)
}

func TestWriteRoutineMetric(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f, "")

	client.WriteRoutineMetric("evening", "complete", 3, 840)
	client.Flush()

	lines := f.waitLines(t, 1)
	assertContains(t, lines[0],
		"scheduler_routine,",
		"script_id=evening",
		"outcome=complete",
		"actions=3i",
		"duration_ms=840i",
	)
	if strings.Contains(lines[0], "site=") {
		t.Errorf("line %q has a site tag without a site id", lines[0])
	}
}

func TestWritesBatchUntilFlush(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f, "")

	for i := range 3 {
		client.WriteRoutineMetric("evening", "stopped", i, 10)
	}
	// Batch size 10 and a 60s interval: nothing goes out yet.
	time.Sleep(50 * time.Millisecond)
	if n := f.lineCount(); n != 0 {
		t.Fatalf("lines before Flush = %d, want 0", n)
	}

	client.Flush()
	if got := f.waitLines(t, 3); len(got) != 3 {
		t.Errorf("lines after Flush = %d, want 3", len(got))
	}
}

func TestCloseFlushesAndDropsLaterWrites(t *testing.T) {
	f := newFakeInflux(t)
	client, err := influxdb.Connect(context.Background(), testConfig(f.URL), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteRunMetric("announce", "error", 5, 1, time.Now())
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	f.waitLines(t, 1)

	client.WriteRunMetric("announce", "success", 5, 1, time.Now())
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if n := f.lineCount(); n != 1 {
		t.Errorf("lines = %d, want 1", n)
	}
}

func TestWriteErrorCallback(t *testing.T) {
	f := newFakeInflux(t)
	f.setWrite(http.StatusBadRequest)
	client := connect(t, f, "")

	errs := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	client.WriteRunMetric("lock_up", "success", 1, 1, time.Now())
	client.Flush()

	select {
	case err := <-errs:
		if !errors.Is(err, influxdb.ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write error callback not invoked")
	}
}
