package telemetry

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ValentinKolb/objrepo/lib/repo"
)

// Prometheus collects repository notifications in a VictoriaMetrics set.
// Metric series are labeled with unit and kind, drops additionally with the reason.
//
// Thread-safety: all methods are safe for concurrent use.
type Prometheus struct {
	set *metrics.Set
}

// NewPrometheus creates an observer with its own metrics set.
func NewPrometheus() *Prometheus {
	return &Prometheus{set: metrics.NewSet()}
}

func series(name string, unit repo.UnitID, kind repo.Kind) string {
	return fmt.Sprintf(`%s{unit=%q,kind=%q}`, name, string(unit), kind.String())
}

func (p *Prometheus) OnRead(unit repo.UnitID, kind repo.Kind, _ string, size int) {
	p.set.GetOrCreateCounter(series("objrepo_reads_total", unit, kind)).Inc()
	p.set.GetOrCreateHistogram(series("objrepo_read_size_bytes", unit, kind)).Update(float64(size))
}

func (p *Prometheus) OnWrite(unit repo.UnitID, kind repo.Kind, _ string, size int) {
	p.set.GetOrCreateCounter(series("objrepo_writes_total", unit, kind)).Inc()
	p.set.GetOrCreateHistogram(series("objrepo_write_size_bytes", unit, kind)).Update(float64(size))
}

func (p *Prometheus) OnRemove(unit repo.UnitID, kind repo.Kind, _ string) {
	p.set.GetOrCreateCounter(series("objrepo_removes_total", unit, kind)).Inc()
}

func (p *Prometheus) OnDrop(unit repo.UnitID, kind repo.Kind, _ string, reason repo.DropReason) {
	name := fmt.Sprintf(`objrepo_drops_total{unit=%q,kind=%q,reason=%q}`, string(unit), kind.String(), string(reason))
	p.set.GetOrCreateCounter(name).Inc()
}

// WritePrometheus writes all collected series in the Prometheus text format.
func (p *Prometheus) WritePrometheus(w io.Writer) {
	p.set.WritePrometheus(w)
}
