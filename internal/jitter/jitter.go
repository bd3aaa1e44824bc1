// ABOUTME: Sequence-indexed adaptive jitter buffer with loss concealment
// ABOUTME: Absorbs network reordering and jitter, bounds end-to-end latency
package jitter

import (
	"math"
	"sync"
	"time"
)

// Packet is one buffered audio frame.
type Packet struct {
	Sequence    uint32
	Timestamp   uint64 // sender milliseconds
	ArrivalTime time.Time
	Samples     []float32
	SampleRate  int32
	Channels    int32
	Valid       bool // false for synthetic silence
}

// Config bounds the buffer's playout delay and adaptation behavior.
type Config struct {
	MinMs            float64
	TargetMs         float64
	MaxMs            float64
	PacketIntervalMs float64
	JitterThreshold  float64 // ms of average jitter that triggers growth
	UnderrunMs       float64 // sustained underrun before re-pre-roll
	Conceal          bool    // synthesize silence for lost packets
	FramesPerBuffer  int32
}

// DefaultConfig returns the starting configuration for a stream with the
// given packet interval.
func DefaultConfig(packetIntervalMs float64, framesPerBuffer int32) Config {
	return Config{
		MinMs:            20,
		TargetMs:         60,
		MaxMs:            200,
		PacketIntervalMs: packetIntervalMs,
		JitterThreshold:  15,
		UnderrunMs:       50,
		Conceal:          true,
		FramesPerBuffer:  framesPerBuffer,
	}
}

// Stats is a snapshot of the buffer's counters.
type Stats struct {
	Received        uint64
	Played          uint64
	Lost            uint64
	Dropped         uint64
	SilenceInserted uint64
	Depth           int
	TargetMs        float64
	AvgJitterMs     float64
	AvgLatencyMs    float64
	Ready           bool
}

// Buffer reorders packets by sequence and drains them at playout cadence.
//
// All methods take one mutex; critical sections are a map operation plus
// bookkeeping and are never held across I/O.
type Buffer struct {
	mu  sync.Mutex
	cfg Config

	store    map[uint32]*Packet
	channels int32

	expected uint32
	highest  uint32
	ready    bool
	started  bool // at least one packet accepted since last reset

	firstInsert   time.Time
	underrunSince time.Time

	// inter-arrival jitter EMA state
	lastArrival   time.Time
	lastTimestamp uint64
	haveLast      bool
	avgJitterMs   float64
	avgLatencyMs  float64

	received        uint64
	played          uint64
	lost            uint64
	dropped         uint64
	silenceInserted uint64

	now func() time.Time
}

// New creates an empty jitter buffer.
func New(cfg Config, channels int32) *Buffer {
	return &Buffer{
		cfg:      cfg,
		store:    make(map[uint32]*Packet),
		channels: channels,
		now:      time.Now,
	}
}

// maxPackets is the resident-size cap derived from MaxMs.
func (b *Buffer) maxPackets() int {
	if b.cfg.PacketIntervalMs <= 0 {
		return 1
	}
	n := int(math.Ceil(b.cfg.MaxMs / b.cfg.PacketIntervalMs))
	if n < 1 {
		n = 1
	}
	return n
}

// prerollPackets is the store size that satisfies the pre-roll gate.
func (b *Buffer) prerollPackets() int {
	if b.cfg.PacketIntervalMs <= 0 {
		return 1
	}
	n := int(math.Ceil(b.cfg.TargetMs / b.cfg.PacketIntervalMs))
	if n < 1 {
		n = 1
	}
	return n
}

// Insert adds a received packet. Late and duplicate packets are dropped;
// a full store evicts its oldest entry in playout order.
func (b *Buffer) Insert(pkt *Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := pkt.ArrivalTime
	if now.IsZero() {
		now = b.now()
	}

	if b.started && seqBefore(pkt.Sequence, b.expected) {
		b.dropped++
		return
	}
	if _, dup := b.store[pkt.Sequence]; dup {
		b.dropped++
		return
	}

	if !b.started {
		b.started = true
		b.expected = pkt.Sequence
		b.highest = pkt.Sequence
		b.firstInsert = now
	} else if seqBefore(b.highest, pkt.Sequence) {
		b.highest = pkt.Sequence
	}

	b.store[pkt.Sequence] = pkt
	b.received++

	b.updateJitter(pkt, now)

	// Evict in playout order when the resident window exceeds MaxMs.
	for len(b.store) > b.maxPackets() {
		b.evictOldest()
		b.dropped++
	}

	if !b.ready {
		if len(b.store) >= b.prerollPackets() {
			b.ready = true
		} else if now.Sub(b.firstInsert) > 100*time.Millisecond && len(b.store) > 0 {
			// Timeout fallback: start draining rather than sit on a trickle.
			b.ready = true
		}
	}
}

// updateJitter folds |arrival delta - timestamp delta| into the EMA.
func (b *Buffer) updateJitter(pkt *Packet, arrival time.Time) {
	if b.haveLast {
		arrivalDelta := arrival.Sub(b.lastArrival).Seconds() * 1000.0
		tsDelta := float64(pkt.Timestamp) - float64(b.lastTimestamp)
		j := math.Abs(arrivalDelta - tsDelta)
		b.avgJitterMs = 0.9*b.avgJitterMs + 0.1*j

		latency := float64(len(b.store)) * b.cfg.PacketIntervalMs
		b.avgLatencyMs = 0.9*b.avgLatencyMs + 0.1*latency
	}
	b.lastArrival = arrival
	b.lastTimestamp = pkt.Timestamp
	b.haveLast = true
}

// evictOldest removes the lowest-sequence entry. The store is small (MaxMs
// worth of packets, under 40 entries with the default config) so a linear
// scan is fine.
func (b *Buffer) evictOldest() {
	var oldest uint32
	first := true
	for seq := range b.store {
		if first || seqBefore(seq, oldest) {
			oldest = seq
			first = false
		}
	}
	if !first {
		delete(b.store, oldest)
		if oldest == b.expected {
			b.expected++
		}
	}
}

// Drain returns the next packet in sequence order, a synthetic silence packet
// for a deemed-lost sequence, or nil when the buffer has nothing to play.
func (b *Buffer) Drain() *Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return nil
	}

	if pkt, ok := b.store[b.expected]; ok {
		delete(b.store, b.expected)
		b.expected++
		b.played++
		b.underrunSince = time.Time{}
		return pkt
	}

	if seqBefore(b.expected, b.highest) {
		// The gap will never fill: later packets already arrived.
		seq := b.expected
		b.expected++
		b.lost++
		if !b.cfg.Conceal {
			return nil
		}
		b.silenceInserted++
		return &Packet{
			Sequence: seq,
			Samples:  make([]float32, int(b.cfg.FramesPerBuffer)*int(b.channels)),
			Channels: b.channels,
			Valid:    false,
		}
	}

	// Underrun: nothing buffered beyond the drain point.
	now := b.now()
	if b.underrunSince.IsZero() {
		b.underrunSince = now
	} else if now.Sub(b.underrunSince).Seconds()*1000.0 > b.cfg.UnderrunMs {
		// Persistent underrun; force a fresh pre-roll with a fresh
		// fallback window.
		b.ready = false
		b.underrunSince = time.Time{}
		b.firstInsert = now
	}
	return nil
}

// Adapt retunes TargetMs from the jitter EMA. Growth is faster than decay to
// avoid oscillation. Call it on a slow cadence (about once a second).
func (b *Buffer) Adapt() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.avgJitterMs > b.cfg.JitterThreshold {
		b.cfg.TargetMs = math.Min(b.cfg.MaxMs, b.cfg.TargetMs+10)
	} else if b.avgJitterMs < b.cfg.JitterThreshold/2 {
		b.cfg.TargetMs = math.Max(b.cfg.MinMs, b.cfg.TargetMs-5)
	}
}

// Clear resets the buffer to its pre-roll state, dropping everything stored.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.store = make(map[uint32]*Packet)
	b.ready = false
	b.started = false
	b.haveLast = false
	b.expected = 0
	b.highest = 0
	b.underrunSince = time.Time{}
	b.firstInsert = time.Time{}
}

// Ready reports whether pre-roll has been satisfied.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Stats snapshots the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Received:        b.received,
		Played:          b.played,
		Lost:            b.lost,
		Dropped:         b.dropped,
		SilenceInserted: b.silenceInserted,
		Depth:           len(b.store),
		TargetMs:        b.cfg.TargetMs,
		AvgJitterMs:     b.avgJitterMs,
		AvgLatencyMs:    b.avgLatencyMs,
		Ready:           b.ready,
	}
}

// seqBefore reports a < b in sequence space, tolerating uint32 wraparound.
func seqBefore(a, d uint32) bool {
	return int32(a-d) < 0
}
