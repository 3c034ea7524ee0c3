package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ValentinKolb/objrepo/lib/repo"
)

// notify sends the same set of notifications to an observer.
func notify(o repo.Observer) {
	o.OnWrite("unit_1", repo.KindSmall, "a", 10)
	o.OnWrite("unit_1", repo.KindSmall, "b", 20)
	o.OnWrite("unit_1", repo.KindLarge, "c", 1<<20)
	o.OnRead("unit_1", repo.KindSmall, "a", 10)
	o.OnRemove("unit_1", repo.KindSmall, "b")
	o.OnDrop("unit_2", repo.KindLarge, "d", repo.DropIO)
}

func TestPrometheus(t *testing.T) {
	p := NewPrometheus()
	notify(p)

	var buf bytes.Buffer
	p.WritePrometheus(&buf)
	out := buf.String()

	assert.Contains(t, out, `objrepo_writes_total{unit="unit_1",kind="small"} 2`)
	assert.Contains(t, out, `objrepo_writes_total{unit="unit_1",kind="large"} 1`)
	assert.Contains(t, out, `objrepo_reads_total{unit="unit_1",kind="small"} 1`)
	assert.Contains(t, out, `objrepo_removes_total{unit="unit_1",kind="small"} 1`)
	assert.Contains(t, out, `objrepo_drops_total{unit="unit_2",kind="large",reason="io"} 1`)
	assert.Contains(t, out, `objrepo_write_size_bytes_count{unit="unit_1",kind="small"} 2`)
}

func TestOTel(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	o, err := NewOTel(provider)
	require.NoError(t, err)
	notify(o)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	var sizes uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					sizes += dp.Count
				}
			}
		}
	}

	assert.Equal(t, int64(3), sums[metricWrites])
	assert.Equal(t, int64(1), sums[metricReads])
	assert.Equal(t, int64(1), sums[metricRemoves])
	assert.Equal(t, int64(1), sums[metricDrops])
	assert.Equal(t, uint64(4), sizes)
}

func TestMultiObserver(t *testing.T) {
	p := NewPrometheus()
	notify(repo.MultiObserver{p, NewLog(true), repo.NopObserver{}})

	var buf bytes.Buffer
	p.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `objrepo_writes_total{unit="unit_1",kind="small"} 2`)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	notify(r)

	assert.Equal(t, int64(3), r.Count("unit_1", "writes"))
	assert.Equal(t, int64(1), r.Count("unit_1", "reads"))
	assert.Equal(t, int64(1), r.Count("unit_1", "removes"))
	assert.Equal(t, int64(1), r.Count("unit_2", "drops.io"))
	assert.Equal(t, int64(0), r.Count("unit_2", "writes"))

	var buf bytes.Buffer
	r.WriteJSON(&buf)
	assert.Contains(t, buf.String(), `"unit_1.writes":{"count":3}`)
}
