// Package waterfall implements the streaming core of the recorder:
// WaterfallCore converts each FFT spectrum into a magnitude row via
// fftshift, appends it to a ChunkedRing2D, and drives every attached
// Recorder. SnapshotRecorder (in snapshotrecorder.go) slices that ring
// into fixed-duration tiles for a TileWriter to persist.
package waterfall

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/cwsl/waterfall-recorder/internal/fftengine"
	"github.com/cwsl/waterfall-recorder/internal/iqcorrector"
	"github.com/cwsl/waterfall-recorder/internal/ring"
	"github.com/cwsl/waterfall-recorder/internal/wftime"
)

// StreamInfo mirrors fftengine.StreamInfo at the core's external
// boundary; KnownLength/Length are carried through for frontends that
// know their total sample count (e.g. a WAVE file) but are otherwise
// unused by the core itself.
type StreamInfo struct {
	KnownLength bool
	Length      uint64
	SampleRate  uint32
	TimeOffset  wftime.TimeStamp
}

// BatchInfo is the per-push descriptor a FrontendAdapter supplies.
type BatchInfo = fftengine.BatchInfo

// SampleSink is what a FrontendAdapter pushes complex samples into.
type SampleSink interface {
	StartStream(info StreamInfo) error
	Process(batch []complex128, info BatchInfo)
	EndStream()
}

// Recorder is the small capability interface every attached recorder
// implements, replacing the source's Recorder->SnapshotRecorder
// inheritance with a single interface (spec.md §9).
type Recorder interface {
	// RequestBufferSize reports how many ring rows this recorder needs
	// buffered to tolerate its own writer latency, given the stream's
	// fftSampleRate (already known at this point, since the FFT engine
	// is started before any recorder's RequestBufferSize is called;
	// see SPEC_FULL §3.3). Called once, before Start, for every
	// recorder; the core resizes its ring to the max.
	RequestBufferSize(fftSampleRate uint32) uint64
	Start(core *Core) error
	Update()
	Stop()
}

// Observer receives best-effort notifications of core/recorder events.
// Implementations (internal/metrics, internal/telemetry) must never
// block or panic; a nil Observer is valid everywhere.
type Observer interface {
	RowPushed()
	SnapshotReserved()
	SnapshotOverrun()
	TileWritten()
}

// Config configures a Core.
type Config struct {
	Origin         string
	Bins           int
	Overlap        int
	ChunkSizeLimit int // bytes per ring chunk; 0 means ring.DefaultChunkSizeLimit
	Corrector      *iqcorrector.IqCorrector
	Observer       Observer
}

// Core owns the ring, the FFT engine, and the set of attached
// recorders for one live stream.
type Core struct {
	cfg Config

	mu       sync.Mutex
	ring     *ring.ChunkedRing2D[float32]
	timeRing *ring.ChunkedRing2D[wftime.TimeStamp]

	engine    *fftengine.Engine
	recorders []Recorder

	sampleRate uint32

	magRe, magIm []float64 // scratch: re^2/im^2 (then re^2+im^2) for floats-vectorized magnitude
}

// NewCore builds a Core from cfg. Recorders must be attached with
// AddRecorder before StartStream is called.
func NewCore(cfg Config) *Core {
	chunkLimit := cfg.ChunkSizeLimit
	if chunkLimit <= 0 {
		chunkLimit = ring.DefaultChunkSizeLimit
	}
	c := &Core{
		cfg:      cfg,
		ring:     ring.New[float32](cfg.Bins, chunkLimit),
		timeRing: ring.New[wftime.TimeStamp](1, chunkLimit),
		magRe:    make([]float64, cfg.Bins),
		magIm:    make([]float64, cfg.Bins),
	}
	c.engine = fftengine.New(cfg.Bins, cfg.Overlap, cfg.Corrector, c)
	return c
}

// AddRecorder attaches a recorder. Must be called before StartStream.
func (c *Core) AddRecorder(r Recorder) {
	c.recorders = append(c.recorders, r)
}

// Bins returns the configured FFT size.
func (c *Core) Bins() int { return c.cfg.Bins }

// Origin returns the configured stream origin label.
func (c *Core) Origin() string { return c.cfg.Origin }

// SampleRate returns the input sample rate recorded at StartStream.
func (c *Core) SampleRate() uint32 { return c.sampleRate }

// FftSampleRate returns the spectrum emission rate in Hz.
func (c *Core) FftSampleRate() uint32 { return c.engine.FftSampleRate() }

// BinToFrequency delegates to the FFT engine.
func (c *Core) BinToFrequency(k int) float64 { return c.engine.BinToFrequency(k) }

// BinWidth delegates to the FFT engine.
func (c *Core) BinWidth() float64 { return c.engine.BinWidth() }

// FrequencyToBin delegates to the FFT engine.
func (c *Core) FrequencyToBin(f float64) int { return c.engine.FrequencyToBin(f) }

func (c *Core) observer() Observer { return c.cfg.Observer }

// StartStream starts the FFT engine, resizes the ring to the maximum of
// every attached recorder's RequestBufferSize (each recorder computes
// its snapshotRows as a side effect of that call, matching the original
// implementation; see SPEC_FULL §3.3), then starts every recorder in
// turn.
func (c *Core) StartStream(info StreamInfo) error {
	rate := info.SampleRate
	if rate == 0 {
		rate = 48000
	}
	c.sampleRate = rate

	c.engine.StartStream(fftengine.StreamInfo{
		KnownLength: info.KnownLength,
		Length:      info.Length,
		SampleRate:  rate,
		TimeOffset:  info.TimeOffset,
	})

	var maxRows uint64
	for _, r := range c.recorders {
		if n := r.RequestBufferSize(c.engine.FftSampleRate()); n > maxRows {
			maxRows = n
		}
	}
	if maxRows == 0 {
		maxRows = 1
	}

	c.mu.Lock()
	c.ring.Resize(maxRows)
	c.timeRing.Resize(maxRows)
	c.mu.Unlock()

	for _, r := range c.recorders {
		if err := r.Start(c); err != nil {
			return fmt.Errorf("waterfall: starting recorder: %w", err)
		}
	}
	return nil
}

// Process feeds batch through the FFT engine, which calls back into
// ProcessSpectrum for each completed hop.
func (c *Core) Process(batch []complex128, info BatchInfo) {
	c.engine.Process(batch, info)
}

// ProcessSpectrum implements fftengine.SpectrumSink: it fftshifts the
// spectrum into a magnitude row, pushes it onto the ring, stamps it
// with info.TimeOffset, and drives every recorder's Update.
func (c *Core) ProcessSpectrum(spectrum []complex128, n int, info BatchInfo) {
	c.mu.Lock()
	re, im := c.magRe[:n], c.magIm[:n]
	for i, z := range spectrum {
		re[i] = real(z)
		im[i] = imag(z)
	}
	floats.MulTo(re, re, re) // re = re^2
	floats.MulTo(im, im, im) // im = im^2
	floats.Add(im, re)       // im = re^2 + im^2 (magnitude squared)

	row := c.ring.Push()
	half := n / 2
	for i := 0; i < half; i++ {
		row[half+i] = float32(math.Sqrt(im[i]))
	}
	for i := half; i < n; i++ {
		row[i-half] = float32(math.Sqrt(im[i]))
	}
	tsRow := c.timeRing.Push()
	tsRow[0] = info.TimeOffset
	c.mu.Unlock()

	if obs := c.observer(); obs != nil {
		obs.RowPushed()
	}

	for _, r := range c.recorders {
		r.Update()
	}
}

// EndStream stops the FFT engine (dropping any buffered tail) and
// stops every recorder, which flushes its final partial tile.
func (c *Core) EndStream() {
	c.engine.EndStream()
	for _, r := range c.recorders {
		r.Stop()
	}
}

// SizeFrom returns the number of rows produced at or after the
// absolute row index start.
func (c *Core) SizeFrom(start uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.SizeFrom(start)
}

// TryReserveSnapshot reserves up to snapshotRows rows starting at
// start if at least snapshotRows+2 rows are available (the "+2" slack
// from spec.md §4.7/§9), returning the reserved length and handle.
func (c *Core) TryReserveSnapshot(start uint64, snapshotRows uint32) (length uint32, handle ring.Handle, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	avail := c.ring.SizeFrom(start)
	if avail < uint64(snapshotRows)+2 {
		return 0, 0, false
	}
	length = snapshotRows
	if avail < uint64(length) {
		length = uint32(avail)
	}
	handle = c.ring.Reserve(start, start+uint64(length))
	return length, handle, true
}

// ReserveRemainder reserves whatever rows remain at or after start,
// for the final partial snapshot a Stop() flushes. ok is false if
// there is nothing left to reserve.
func (c *Core) ReserveRemainder(start uint64) (length uint32, handle ring.Handle, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	avail := c.ring.SizeFrom(start)
	if avail == 0 {
		return 0, 0, false
	}
	handle = c.ring.Reserve(start, start+avail)
	return uint32(avail), handle, true
}

// IsDirty reports whether the reservation behind handle was overlapped
// by the producer since it was created.
func (c *Core) IsDirty(h ring.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.IsDirty(h)
}

// FreeReservation releases handle back to the ring's freelist.
func (c *Core) FreeReservation(h ring.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring.FreeReservation(h)
}

// CopyRows copies length rows starting at absolute index start,
// restricted to columns [leftBin, rightBin), out of the ring under the
// ring mutex. It also returns the timestamp recorded for the first
// copied row.
func (c *Core) CopyRows(start uint64, length uint32, leftBin, rightBin int) (rows [][]float32, firstRowTime wftime.TimeStamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	width := rightBin - leftBin
	rows = make([][]float32, length)
	for y := uint32(0); y < length; y++ {
		idx := start + uint64(y)
		src := c.ring.At(idx)
		dst := make([]float32, width)
		copy(dst, src[leftBin:rightBin])
		rows[y] = dst
		if y == 0 {
			ts := c.timeRing.At(idx)
			firstRowTime = ts[0]
		}
	}
	return rows, firstRowTime
}
