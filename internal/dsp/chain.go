// ABOUTME: Optional voice DSP chain for the render path
// ABOUTME: Noise gate, presence EQ, compressor, de-esser, soft-clip limiter
package dsp

import "math"

// Chain applies the voice-quality stages in a fixed order. Each stage keeps
// at most one sample of state, so the chain adds no buffering delay.
type Chain struct {
	gate    noiseGate
	eq      presenceEQ
	comp    compressor
	deEsser deEsser
	enabled bool
}

// NewChain builds a chain tuned for the given sample rate.
func NewChain(sampleRate int, enabled bool) *Chain {
	return &Chain{
		gate:    noiseGate{threshold: 0.005, ratio: 0.05},
		eq:      newPresenceEQ(sampleRate),
		comp:    compressor{threshold: 0.3, ratio: 4.0},
		deEsser: deEsser{deltaThreshold: 0.1, levelThreshold: 0.2, attenuation: 0.7},
		enabled: enabled,
	}
}

// Enabled reports whether Process modifies samples.
func (c *Chain) Enabled() bool { return c.enabled }

// SetEnabled toggles the chain.
func (c *Chain) SetEnabled(on bool) { c.enabled = on }

// Process runs the chain over samples in place.
func (c *Chain) Process(samples []float32) {
	if !c.enabled {
		return
	}
	c.gate.process(samples)
	c.eq.process(samples)
	c.comp.process(samples)
	c.deEsser.process(samples)
}

// Reset clears all filter state, for stream restarts.
func (c *Chain) Reset() {
	c.eq.reset()
	c.deEsser.last = 0
}

// noiseGate attenuates samples below the threshold.
type noiseGate struct {
	threshold float32
	ratio     float32
}

func (g *noiseGate) process(samples []float32) {
	for i, s := range samples {
		if abs32(s) < g.threshold {
			samples[i] = s * g.ratio
		}
	}
}

// presenceEQ is a first-order high-pass around 200 Hz, a mild mid boost, and
// a first-order low-pass around 4 kHz.
type presenceEQ struct {
	hpAlpha float32
	lpAlpha float32
	boost   float32

	hpLastIn  float32
	hpLastOut float32
	lpLast    float32
}

func newPresenceEQ(sampleRate int) presenceEQ {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	rc := func(cutoff float64) float64 { return 1.0 / (2.0 * math.Pi * cutoff) }
	dt := 1.0 / float64(sampleRate)

	// One-pole coefficients; both poles sit inside the unit circle for any
	// positive cutoff below Nyquist.
	hpAlpha := rc(200.0) / (rc(200.0) + dt)
	lpAlpha := dt / (rc(4000.0) + dt)

	return presenceEQ{
		hpAlpha: float32(hpAlpha),
		lpAlpha: float32(lpAlpha),
		boost:   1.15,
	}
}

func (e *presenceEQ) process(samples []float32) {
	for i, s := range samples {
		hp := e.hpAlpha * (e.hpLastOut + s - e.hpLastIn)
		e.hpLastIn = s
		e.hpLastOut = hp

		mid := hp * e.boost

		e.lpLast += e.lpAlpha * (mid - e.lpLast)
		samples[i] = e.lpLast
	}
}

func (e *presenceEQ) reset() {
	e.hpLastIn = 0
	e.hpLastOut = 0
	e.lpLast = 0
}

// compressor applies 4:1 gain reduction above the threshold.
type compressor struct {
	threshold float32
	ratio     float32
}

func (c *compressor) process(samples []float32) {
	for i, s := range samples {
		a := abs32(s)
		if a > c.threshold {
			compressed := c.threshold + (a-c.threshold)/c.ratio
			if s < 0 {
				compressed = -compressed
			}
			samples[i] = compressed
		}
	}
}

// deEsser attenuates harsh transients: large sample-to-sample delta at a
// loud level reads as sibilance.
type deEsser struct {
	deltaThreshold float32
	levelThreshold float32
	attenuation    float32
	last           float32
}

func (d *deEsser) process(samples []float32) {
	for i, s := range samples {
		if abs32(s-d.last) > d.deltaThreshold && abs32(s) > d.levelThreshold {
			samples[i] = s * d.attenuation
		}
		d.last = s
	}
}

// SoftClip limits a sample with a tanh knee above 0.95.
func SoftClip(s float32) float32 {
	a := abs32(s)
	if a <= 0.95 {
		return s
	}
	clipped := float32(0.95 + 0.05*math.Tanh(float64(a-0.95)/0.05))
	if s < 0 {
		return -clipped
	}
	return clipped
}

// SoftClipAll applies SoftClip in place.
func SoftClipAll(samples []float32) {
	for i, s := range samples {
		samples[i] = SoftClip(s)
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
