// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry) and Prometheus metrics for boardwalk and boardwalkd.
//
// Build one Telemetry per process and pass its parts down:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	ctx, span := tel.Tracer.StartHostSpan(ctx, "web1", 1)
//	defer span.End()
//
// Metrics live in a private registry served by Metrics.Handler, which
// boardwalkd mounts at /metrics. A disabled MetricsConfig yields an
// instance whose Record methods are no-ops.
package telemetry
