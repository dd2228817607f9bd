// Package influxdb writes automation metrics to InfluxDB v2.
//
// Two measurements are produced:
//
//	script_run         tags: script_id, status   fields: duration_ms, steps
//	scheduler_routine  tags: script_id, outcome  fields: actions, duration_ms
//
// script_run points come from the run recorder, one per finished run.
// scheduler_routine points come from the automation registry when a
// dependency-scheduler routine ends. Both carry a "site" tag when Connect
// is given a site id.
//
// The package is optional: with influxdb.enabled false, Connect returns
// ErrDisabled and the daemon runs without metrics.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("metrics write", "error", err) })
package influxdb
