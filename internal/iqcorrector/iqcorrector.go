// Package iqcorrector compensates for two common I/Q front-end
// imperfections: a DC gain offset on the quadrature channel, and an
// integer-sample delay between the in-phase and quadrature channels.
package iqcorrector

// IqCorrector applies a Q-channel gain offset and an integer-sample
// phase delay to a stream of complex I/Q samples. It is stateful: the
// delay line carries the tail of one Process call into the next, so a
// single IqCorrector instance must be used for an entire stream.
type IqCorrector struct {
	gain       float64
	phaseShift int

	// delay holds the last phaseShift Q samples seen, oldest first,
	// newest last.
	delay []float64
}

// New returns an IqCorrector with the given Q-channel gain offset and
// integer-sample phase shift (phaseShift must be >= 0).
func New(gain float64, phaseShift int) *IqCorrector {
	c := &IqCorrector{}
	c.SetGain(gain)
	c.SetPhaseShift(phaseShift)
	return c
}

// SetGain updates the Q-channel gain offset applied to every sample.
func (c *IqCorrector) SetGain(gain float64) { c.gain = gain }

// Gain returns the current Q-channel gain offset.
func (c *IqCorrector) Gain() float64 { return c.gain }

// SetPhaseShift resizes the delay line to the new shift amount. This
// discards the delay line's contents, so callers should only call it
// between streams, never mid-stream.
func (c *IqCorrector) SetPhaseShift(phaseShift int) {
	if phaseShift < 0 {
		panic("iqcorrector: phaseShift must be >= 0")
	}
	c.phaseShift = phaseShift
	c.delay = make([]float64, phaseShift)
}

// PhaseShift returns the current integer-sample phase shift.
func (c *IqCorrector) PhaseShift() int { return c.phaseShift }

// Process corrects in into out; both must have the same length. I is
// passed through unchanged. Q is delayed by PhaseShift samples (pulled
// from the internal delay line for the first PhaseShift outputs) and
// offset by Gain.
func (c *IqCorrector) Process(in, out []complex128) {
	if len(in) != len(out) {
		panic("iqcorrector: in/out length mismatch")
	}
	n := len(in)
	if c.phaseShift == 0 {
		for i := 0; i < n; i++ {
			out[i] = complex(real(in[i]), imag(in[i])+c.gain)
		}
		return
	}

	for i := 0; i < n; i++ {
		var qDelayed float64
		if i < c.phaseShift {
			qDelayed = c.delay[i]
		} else {
			qDelayed = imag(in[i-c.phaseShift])
		}
		out[i] = complex(real(in[i]), qDelayed+c.gain)
	}

	c.refillDelay(in)
}

// refillDelay updates the delay line to hold the last phaseShift Q
// samples of the logical stream ...(old delay line)(in), oldest first.
func (c *IqCorrector) refillDelay(in []complex128) {
	n := len(in)
	shift := c.phaseShift
	if n >= shift {
		next := make([]float64, shift)
		for i, v := range in[n-shift:] {
			next[i] = imag(v)
		}
		c.delay = next
		return
	}
	next := make([]float64, shift)
	copy(next, c.delay[n:])
	for i, v := range in {
		next[shift-n+i] = imag(v)
	}
	c.delay = next
}
