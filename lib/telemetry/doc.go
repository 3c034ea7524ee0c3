/*
Package telemetry provides repo.Observer implementations that export the
repository's read, write, remove and drop notifications.

  - Prometheus: counters and size histograms in a VictoriaMetrics set, written
    in the Prometheus text format (printed by "orepo perf --metrics prometheus")
  - OTel: OpenTelemetry counters and a size histogram on a given MeterProvider
  - Registry: go-metrics counters and sampled size histograms, written as JSON
  - Log: logs drops, and optionally every physical read, through the "telemetry" logger

Observers are combined with repo.MultiObserver:

	prom := telemetry.NewPrometheus()
	cfg.Observer = repo.MultiObserver{prom, telemetry.NewLog(false)}
*/
package telemetry
