// Package metrics wires the waterfall pipeline's callback points
// (row push, snapshot reservation, overrun, tile completion) into
// Prometheus gauges/counters, grounded on the teacher's prometheus.go
// (promauto-built *GaugeVec fields with descriptive registration).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements waterfall.Observer, exposing one counter per
// pipeline event plus a gauge snapshot of ring fill level callers can
// set directly from their own polling loop.
type Collector struct {
	RowsPushed        prometheus.Counter
	SnapshotsReserved prometheus.Counter
	SnapshotOverruns  prometheus.Counter
	TilesWritten      prometheus.Counter
	RingFillRows      prometheus.Gauge
}

// New registers and returns a Collector against reg. Pass
// prometheus.DefaultRegisterer to use the global registry, matching
// the teacher's promauto usage in prometheus.go.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		RowsPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "waterfall_rows_pushed_total",
			Help: "Total magnitude rows pushed onto the ring since process start.",
		}),
		SnapshotsReserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "waterfall_snapshots_reserved_total",
			Help: "Total snapshot row ranges reserved across all recorders.",
		}),
		SnapshotOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "waterfall_snapshot_overruns_total",
			Help: "Total snapshots whose reservation was overwritten before the writer finished (dirty flag observed).",
		}),
		TilesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "waterfall_tiles_written_total",
			Help: "Total output tiles successfully written to disk.",
		}),
		RingFillRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "waterfall_ring_fill_rows",
			Help: "Current number of rows held in the waterfall ring buffer.",
		}),
	}
}

// RowPushed implements waterfall.Observer.
func (c *Collector) RowPushed() { c.RowsPushed.Inc() }

// SnapshotReserved implements waterfall.Observer.
func (c *Collector) SnapshotReserved() { c.SnapshotsReserved.Inc() }

// SnapshotOverrun implements waterfall.Observer.
func (c *Collector) SnapshotOverrun() { c.SnapshotOverruns.Inc() }

// TileWritten implements waterfall.Observer.
func (c *Collector) TileWritten() { c.TilesWritten.Inc() }

// SetRingFill lets the owner report the current ring occupancy on its
// own schedule, since the Observer interface's hot-path calls don't
// carry that value.
func (c *Collector) SetRingFill(rows float64) { c.RingFillRows.Set(rows) }
