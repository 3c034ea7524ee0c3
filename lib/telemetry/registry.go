package telemetry

import (
	"io"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/ValentinKolb/objrepo/lib/repo"
)

// Registry collects repository notifications in a go-metrics registry:
// counters per unit and operation, and an exponentially decaying size
// histogram per unit and kind. It is written as JSON by "orepo perf".
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	registry gometrics.Registry
}

// NewRegistry creates an observer with its own registry.
func NewRegistry() *Registry {
	return &Registry{registry: gometrics.NewRegistry()}
}

func (r *Registry) counter(unit repo.UnitID, op string) gometrics.Counter {
	return gometrics.GetOrRegisterCounter(string(unit)+"."+op, r.registry)
}

func (r *Registry) histogram(unit repo.UnitID, kind repo.Kind) gometrics.Histogram {
	return gometrics.GetOrRegisterHistogram(string(unit)+".size."+kind.String(), r.registry,
		gometrics.NewExpDecaySample(1028, 0.015))
}

func (r *Registry) OnRead(unit repo.UnitID, kind repo.Kind, _ string, size int) {
	r.counter(unit, "reads").Inc(1)
	r.histogram(unit, kind).Update(int64(size))
}

func (r *Registry) OnWrite(unit repo.UnitID, kind repo.Kind, _ string, size int) {
	r.counter(unit, "writes").Inc(1)
	r.histogram(unit, kind).Update(int64(size))
}

func (r *Registry) OnRemove(unit repo.UnitID, _ repo.Kind, _ string) {
	r.counter(unit, "removes").Inc(1)
}

func (r *Registry) OnDrop(unit repo.UnitID, _ repo.Kind, _ string, reason repo.DropReason) {
	r.counter(unit, "drops."+string(reason)).Inc(1)
}

// Count returns the value of the counter of unit and op (reads, writes, removes, drops.<reason>).
func (r *Registry) Count(unit repo.UnitID, op string) int64 {
	return r.counter(unit, op).Count()
}

// WriteJSON writes a snapshot of all metrics as JSON.
func (r *Registry) WriteJSON(w io.Writer) {
	gometrics.WriteJSONOnce(r.registry, w)
}
