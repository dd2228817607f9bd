package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the engine.
const (
	MeasurementScriptRun = "script_run"
	MeasurementRoutine   = "scheduler_routine"
)

// WriteRunMetric records one finished script run. result is the run
// outcome (success, error, cancelled) and becomes the "status" tag.
func (c *Client) WriteRunMetric(scriptID, result string, durationMS int64, steps int, finishedAt time.Time) {
	c.write(write.NewPoint(
		MeasurementScriptRun,
		map[string]string{"script_id": scriptID, "status": result},
		map[string]any{"duration_ms": durationMS, "steps": steps},
		finishedAt,
	))
}

// WriteRoutineMetric records one finished dependency-scheduler routine.
// outcome is complete, stopped or aborted.
func (c *Client) WriteRoutineMetric(scriptID, outcome string, actions int, durationMS int64) {
	c.write(write.NewPoint(
		MeasurementRoutine,
		map[string]string{"script_id": scriptID, "outcome": outcome},
		map[string]any{"actions": actions, "duration_ms": durationMS},
		time.Now(),
	))
}

func (c *Client) write(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}
