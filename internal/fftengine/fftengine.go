// Package fftengine implements a sliding, overlapping, windowed
// short-time Fourier transform over a stream of complex I/Q samples,
// using gonum's complex-to-complex FFT kernel.
package fftengine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/cwsl/waterfall-recorder/internal/iqcorrector"
	"github.com/cwsl/waterfall-recorder/internal/wftime"
)

// StreamInfo describes an input stream's invariant properties.
type StreamInfo struct {
	KnownLength bool
	Length      uint64
	SampleRate  uint32 // Hz, defaults to 48000 when unknown
	TimeOffset  wftime.TimeStamp
}

// BatchInfo describes one push of samples into the engine.
type BatchInfo struct {
	Offset     uint64 // sample count since stream start
	TimeOffset wftime.TimeStamp
}

// SpectrumSink receives one emitted spectrum per completed hop. spectrum
// has length N and is NOT fftshifted; the receiver (WaterfallCore) owns
// that transform. The engine may reuse the slice after the call
// returns, so implementations that need to keep data must copy it.
type SpectrumSink interface {
	ProcessSpectrum(spectrum []complex128, n int, info BatchInfo)
}

// Blackman-Nuttall window coefficients.
const (
	bnA0 = 0.355768
	bnA1 = 0.487396
	bnA2 = 0.144232
	bnA3 = 0.012604
)

// Engine performs the sliding overlap-save windowed STFT described by
// spec.md §4.5. It owns an IqCorrector that runs ahead of the window
// buffer.
type Engine struct {
	bins    int
	overlap int
	hop     int

	corrector *iqcorrector.IqCorrector

	window []float64
	fft    *fourier.CmplxFFT

	winBuf []complex128 // length bins, sliding window buffer
	fftIn  []complex128 // scratch: windowed copy fed to the FFT
	cursor int

	winRe, winIm []float64 // scratch: real/imag parts of winBuf, multiplied against window via floats.MulTo

	corrScrap []complex128 // scratch for IqCorrector output

	sampleRate    uint32
	fftSampleRate uint32
	spectrumIndex uint64
	spectrumTime  wftime.TimeStamp

	sink SpectrumSink
}

// New constructs an Engine. bins is the FFT size N; overlap must be in
// [0, bins). corrector may be nil, in which case samples pass through
// unmodified.
func New(bins, overlap int, corrector *iqcorrector.IqCorrector, sink SpectrumSink) *Engine {
	if bins <= 0 {
		panic("fftengine: bins must be > 0")
	}
	if overlap < 0 || overlap >= bins {
		panic("fftengine: overlap must be in [0, bins)")
	}
	if corrector == nil {
		corrector = iqcorrector.New(0, 0)
	}
	e := &Engine{
		bins:      bins,
		overlap:   overlap,
		hop:       bins - overlap,
		corrector: corrector,
		window:    make([]float64, bins),
		fft:       fourier.NewCmplxFFT(bins),
		winBuf:    make([]complex128, bins),
		fftIn:     make([]complex128, bins),
		winRe:     make([]float64, bins),
		winIm:     make([]float64, bins),
		sink:      sink,
	}
	buildWindow(e.window)
	return e
}

// Bins returns the configured FFT size N.
func (e *Engine) Bins() int { return e.bins }

// Overlap returns the configured overlap in samples.
func (e *Engine) Overlap() int { return e.overlap }

// Hop returns bins - overlap, the sample advance per emitted spectrum.
func (e *Engine) Hop() int { return e.hop }

// FftSampleRate returns the spectrum emission rate in Hz, valid after
// StartStream.
func (e *Engine) FftSampleRate() uint32 { return e.fftSampleRate }

func buildWindow(w []float64) {
	n := len(w)
	if n == 1 {
		w[0] = 1
		return
	}
	denom := float64(n - 1)
	for i := 0; i < n; i++ {
		x := 2 * math.Pi * float64(i) / denom
		w[i] = bnA0 - bnA1*math.Cos(x) + bnA2*math.Cos(2*x) - bnA3*math.Cos(3*x)
	}
}

// StartStream resets all per-stream state: the sample rate, the
// running spectrum counter, the window buffer cursor, and rebuilds the
// window function.
func (e *Engine) StartStream(info StreamInfo) {
	rate := info.SampleRate
	if rate == 0 {
		rate = 48000
	}
	e.sampleRate = rate
	e.fftSampleRate = rate / uint32(e.hop)
	e.cursor = 0
	e.spectrumIndex = 0
	e.spectrumTime = info.TimeOffset
	buildWindow(e.window)
}

// Process feeds a batch of complex samples through the IqCorrector and
// into the sliding window, emitting a spectrum via the configured
// SpectrumSink each time the window fills.
func (e *Engine) Process(batch []complex128, info BatchInfo) {
	if len(e.corrScrap) < len(batch) {
		e.corrScrap = make([]complex128, len(batch))
	}
	corrected := e.corrScrap[:len(batch)]
	e.corrector.Process(batch, corrected)

	pos := 0
	for pos < len(corrected) {
		room := e.bins - e.cursor
		n := room
		if remain := len(corrected) - pos; remain < n {
			n = remain
		}
		copy(e.winBuf[e.cursor:e.cursor+n], corrected[pos:pos+n])
		e.cursor += n
		pos += n

		if e.cursor == e.bins {
			e.emit()
		}
	}
}

func (e *Engine) emit() {
	for i, v := range e.winBuf {
		e.winRe[i] = real(v)
		e.winIm[i] = imag(v)
	}
	floats.MulTo(e.winRe, e.winRe, e.window)
	floats.MulTo(e.winIm, e.winIm, e.window)
	for i := range e.fftIn {
		e.fftIn[i] = complex(e.winRe[i], e.winIm[i])
	}
	out := e.fft.Coefficients(nil, e.fftIn)

	if e.sink != nil {
		e.sink.ProcessSpectrum(out, e.bins, BatchInfo{
			Offset:     e.spectrumIndex,
			TimeOffset: e.spectrumTime,
		})
	}

	copy(e.winBuf[0:e.overlap], e.winBuf[e.bins-e.overlap:e.bins])
	e.cursor = e.overlap
	e.spectrumIndex++
	e.spectrumTime = e.spectrumTime.AddSamples(int64(e.hop), e.sampleRate)
}

// EndStream drops any buffered trailing samples without emitting a
// partial spectrum.
func (e *Engine) EndStream() {
	e.cursor = 0
}

// BinToFrequency maps FFT bin k (0..N-1, already fftshifted so index 0
// is the most negative frequency) to a frequency in Hz.
func (e *Engine) BinToFrequency(k int) float64 {
	n := float64(e.bins)
	return float64(e.sampleRate) * (2*float64(k)/n - 1)
}

// BinWidth returns the width in Hz of one FFT bin.
func (e *Engine) BinWidth() float64 {
	return 2 * float64(e.sampleRate) / float64(e.bins)
}

// FrequencyToBin maps a frequency in Hz to the post-fftshift bin index
// that contains it (rounding down), clamped to [0, N).
func (e *Engine) FrequencyToBin(f float64) int {
	n := float64(e.bins)
	k := int(math.Floor(n / 2 * (f/float64(e.sampleRate) + 1)))
	if k < 0 {
		k = 0
	}
	if k >= e.bins {
		k = e.bins - 1
	}
	return k
}

func (e *Engine) String() string {
	return fmt.Sprintf("fftengine.Engine{bins=%d overlap=%d hop=%d sampleRate=%d}",
		e.bins, e.overlap, e.hop, e.sampleRate)
}
