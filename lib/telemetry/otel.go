package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ValentinKolb/objrepo/lib/repo"
)

const (
	metricReads      = "objrepo.reads.total"
	metricWrites     = "objrepo.writes.total"
	metricRemoves    = "objrepo.removes.total"
	metricDrops      = "objrepo.drops.total"
	metricObjectSize = "objrepo.object.size"
)

// OTel records repository notifications as OpenTelemetry instruments.
//
// Thread-safety: all methods are safe for concurrent use.
type OTel struct {
	reads   metric.Int64Counter
	writes  metric.Int64Counter
	removes metric.Int64Counter
	drops   metric.Int64Counter
	size    metric.Int64Histogram
}

// NewOTel creates the instruments on a meter of the given provider.
func NewOTel(provider metric.MeterProvider) (*OTel, error) {
	meter := provider.Meter("github.com/ValentinKolb/objrepo")

	reads, err := meter.Int64Counter(metricReads,
		metric.WithDescription("Objects read from disk"),
		metric.WithUnit("{object}"))
	if err != nil {
		return nil, err
	}
	writes, err := meter.Int64Counter(metricWrites,
		metric.WithDescription("Objects written to disk"),
		metric.WithUnit("{object}"))
	if err != nil {
		return nil, err
	}
	removes, err := meter.Int64Counter(metricRemoves,
		metric.WithDescription("Removes written to disk"),
		metric.WithUnit("{object}"))
	if err != nil {
		return nil, err
	}
	drops, err := meter.Int64Counter(metricDrops,
		metric.WithDescription("Objects lost because of a failure"),
		metric.WithUnit("{object}"))
	if err != nil {
		return nil, err
	}
	size, err := meter.Int64Histogram(metricObjectSize,
		metric.WithDescription("Serialized size of objects read or written"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216))
	if err != nil {
		return nil, err
	}

	return &OTel{reads: reads, writes: writes, removes: removes, drops: drops, size: size}, nil
}

func attrs(unit repo.UnitID, kind repo.Kind, extra ...attribute.KeyValue) metric.MeasurementOption {
	kv := append([]attribute.KeyValue{
		attribute.String("unit", string(unit)),
		attribute.String("kind", kind.String()),
	}, extra...)
	return metric.WithAttributes(kv...)
}

func (o *OTel) OnRead(unit repo.UnitID, kind repo.Kind, _ string, size int) {
	ctx := context.Background()
	o.reads.Add(ctx, 1, attrs(unit, kind))
	o.size.Record(ctx, int64(size), attrs(unit, kind, attribute.String("op", "read")))
}

func (o *OTel) OnWrite(unit repo.UnitID, kind repo.Kind, _ string, size int) {
	ctx := context.Background()
	o.writes.Add(ctx, 1, attrs(unit, kind))
	o.size.Record(ctx, int64(size), attrs(unit, kind, attribute.String("op", "write")))
}

func (o *OTel) OnRemove(unit repo.UnitID, kind repo.Kind, _ string) {
	o.removes.Add(context.Background(), 1, attrs(unit, kind))
}

func (o *OTel) OnDrop(unit repo.UnitID, kind repo.Kind, _ string, reason repo.DropReason) {
	o.drops.Add(context.Background(), 1, attrs(unit, kind, attribute.String("reason", string(reason))))
}
