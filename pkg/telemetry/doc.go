// Package telemetry provides logging, tracing, metrics and event publishing
// for package operations.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry (stdout or OTLP
// gRPC exporters), metrics use Prometheus, and events are delivered in order
// by an in-process publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
//	op := telemetry.StartOperation(ctx, "install", []string{"tmux"}, true)
//	report := progress.New(op.Progress())
//	summary, err := pkg.Install(op.Ctx, names)
//	op.RecordSteps(report.Snapshot())
//	op.End(err, "")
//
// # Events
//
// Every progress.Report mutation published through Operation.Progress becomes
// a progress.updated event carrying the report snapshot. Subscribers run on a
// single delivery goroutine, so they see snapshots in mutation order:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    render(e.Report)
//	}, telemetry.FilterByType(telemetry.EventTypeProgressUpdated))
//
// Call Flush before reporting an operation finished to make sure subscribers
// saw every snapshot.
//
// # Metrics
//
// Key metrics exposed:
//
//   - rpmtool_operations_total{operation,mode,status}
//   - rpmtool_operation_duration_seconds{operation,mode}
//   - rpmtool_packages_total{operation,bucket}
//   - rpmtool_steps_total{status}
//   - rpmtool_errors_by_class_total{class}
//   - rpmtool_policy_denials_total{operation,policy}
//
// Long-running processes serve them with Metrics.Handler; one-shot CLI runs
// write them with Metrics.WriteTextfile for the node-exporter textfile
// collector.
package telemetry
