package waterfall

import (
	"log"
	"math"
	"sync"

	"github.com/cwsl/waterfall-recorder/internal/mpsc"
	"github.com/cwsl/waterfall-recorder/internal/ring"
	"github.com/cwsl/waterfall-recorder/internal/wftime"
)

// TileMeta is everything a TileWriter needs to annotate one output
// tile with its WCS time/frequency axes and provenance headers.
type TileMeta struct {
	Origin         string
	SnapshotStart  uint64
	Length         uint32
	LeftBin        int
	RightBin       int
	FirstRowTime   wftime.TimeStamp
	FftSampleRate  uint32
	RightFrequency float64
	BinWidth       float64
	Dirty          bool
}

// TileWriter persists one snapshot's rows to the external output
// format (FITS with WCS headers; see internal/fitsout).
type TileWriter interface {
	WriteTile(meta TileMeta, rows [][]float32) error
}

type snapshot struct {
	start       uint64
	length      uint32
	reservation ring.Handle
}

// SnapshotRecorderConfig configures a SnapshotRecorder.
type SnapshotRecorderConfig struct {
	SnapshotLength float32 // seconds
	LeftFreq       float32 // Hz; LeftFreq==RightFreq means "full band"
	RightFreq      float32
	Writer         TileWriter
}

// SnapshotRecorder reserves contiguous row ranges from the core's
// ring, hands them to its own writer goroutine as Snapshot
// descriptors, and that goroutine writes one output tile per
// snapshot.
type SnapshotRecorder struct {
	cfg SnapshotRecorderConfig

	core *Core

	snapshotRows uint32
	leftBin      int
	rightBin     int
	rightFreqHz  float64

	nextStart uint64
	channel   *mpsc.Channel[snapshot]
	wg        sync.WaitGroup
}

// NewSnapshotRecorder returns a Recorder implementing the snapshot
// tiling behavior of spec.md §4.7.
func NewSnapshotRecorder(cfg SnapshotRecorderConfig) *SnapshotRecorder {
	return &SnapshotRecorder{cfg: cfg}
}

// RequestBufferSize computes snapshotRows from fftSampleRate as a side
// effect (matching the original's call order; see SPEC_FULL §3.3) and
// returns snapshotRows*8 as the ring capacity this recorder needs.
func (r *SnapshotRecorder) RequestBufferSize(fftSampleRate uint32) uint64 {
	rows := uint32(math.Ceil(float64(r.cfg.SnapshotLength) * float64(fftSampleRate)))
	if rows < 1 {
		rows = 1
	}
	r.snapshotRows = rows
	return uint64(r.snapshotRows) * 8
}

// Start wires the recorder to core and spawns its writer goroutine.
func (r *SnapshotRecorder) Start(core *Core) error {
	r.core = core

	if r.cfg.LeftFreq == r.cfg.RightFreq {
		r.leftBin = 0
		r.rightBin = core.Bins()
		r.rightFreqHz = float64(core.SampleRate())
	} else {
		r.leftBin = core.FrequencyToBin(float64(r.cfg.LeftFreq))
		r.rightBin = core.FrequencyToBin(float64(r.cfg.RightFreq))
		r.rightFreqHz = float64(r.cfg.RightFreq)
	}

	r.nextStart = 0
	r.channel = mpsc.New[snapshot]()
	r.wg.Add(1)
	go r.writerLoop()
	return nil
}

// Update reserves and enqueues every full snapshot now available,
// advancing nextStart past each one.
func (r *SnapshotRecorder) Update() {
	for {
		length, handle, ok := r.core.TryReserveSnapshot(r.nextStart, r.snapshotRows)
		if !ok {
			return
		}
		if obs := r.core.observer(); obs != nil {
			obs.SnapshotReserved()
		}
		r.channel.Send(snapshot{start: r.nextStart, length: length, reservation: handle})
		r.nextStart += uint64(length)
	}
}

// Stop flushes any partial final snapshot, closes the writer channel,
// and waits for the writer goroutine to write every queued tile and
// exit.
func (r *SnapshotRecorder) Stop() {
	if length, handle, ok := r.core.ReserveRemainder(r.nextStart); ok {
		r.channel.Send(snapshot{start: r.nextStart, length: length, reservation: handle})
		r.nextStart += uint64(length)
	}
	r.channel.Close()
	r.wg.Wait()
}

func (r *SnapshotRecorder) writerLoop() {
	defer r.wg.Done()
	for {
		items, open := r.channel.Drain()
		for _, snap := range items {
			r.writeOne(snap)
		}
		if !open {
			return
		}
	}
}

func (r *SnapshotRecorder) writeOne(snap snapshot) {
	dirty := r.core.IsDirty(snap.reservation)
	rows, firstTime := r.core.CopyRows(snap.start, snap.length, r.leftBin, r.rightBin)

	if dirty {
		log.Printf("waterfall: snapshot overrun: origin=%s start=%d length=%d (writer fell behind, tile still emitted)",
			r.core.Origin(), snap.start, snap.length)
		if obs := r.core.observer(); obs != nil {
			obs.SnapshotOverrun()
		}
	}

	meta := TileMeta{
		Origin:         r.core.Origin(),
		SnapshotStart:  snap.start,
		Length:         snap.length,
		LeftBin:        r.leftBin,
		RightBin:       r.rightBin,
		FirstRowTime:   firstTime,
		FftSampleRate:  r.core.FftSampleRate(),
		RightFrequency: r.rightFreqHz,
		BinWidth:       r.core.BinWidth(),
		Dirty:          dirty,
	}

	if r.cfg.Writer != nil {
		if err := r.cfg.Writer.WriteTile(meta, rows); err != nil {
			log.Printf("waterfall: writing tile for origin=%s start=%d: %v", r.core.Origin(), snap.start, err)
			return
		}
	}

	if obs := r.core.observer(); obs != nil {
		obs.TileWritten()
	}

	r.core.FreeReservation(snap.reservation)
}
