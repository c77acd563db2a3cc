// Package feed provides the bar sources the engine reads from: in-memory
// series for backtests and a polling feeder for live runs.
package feed

import (
	"math"
	"time"

	"tradecore/internal/domain"
)

// Series is a slice-backed bar source with a cursor. Reads are relative to
// the cursor: 0 is the current bar and negative offsets look back. Offsets
// outside the bars seen so far read as NaN.
type Series struct {
	name string
	bars []domain.Bar
	pos  int
}

// NewSeries creates a series over a private copy of bars, positioned before
// the first bar.
func NewSeries(name string, bars []domain.Bar) *Series {
	cp := make([]domain.Bar, len(bars))
	copy(cp, bars)
	return &Series{name: name, bars: cp, pos: -1}
}

func (s *Series) Name() string { return s.name }

// Len returns the total number of bars, including ones not reached yet.
func (s *Series) Len() int { return len(s.bars) }

// Pos returns the cursor index, -1 before the first bar.
func (s *Series) Pos() int { return s.pos }

// Append adds bars at the end; the cursor does not move.
func (s *Series) Append(bars ...domain.Bar) {
	s.bars = append(s.bars, bars...)
}

// Reset moves the cursor before the first bar.
func (s *Series) Reset() { s.pos = -1 }

// Advance moves the cursor one bar forward. It reports false at the end.
func (s *Series) Advance() bool {
	if s.pos+1 >= len(s.bars) {
		return false
	}
	s.pos++
	return true
}

// AdvanceTo moves the cursor to the last bar stamped at or before t.
func (s *Series) AdvanceTo(t time.Time) {
	for s.pos+1 < len(s.bars) && !s.bars[s.pos+1].Timestamp.After(t) {
		s.pos++
	}
}

// SeekEnd puts the cursor on the last bar.
func (s *Series) SeekEnd() { s.pos = len(s.bars) - 1 }

// Bar returns the bar at offset i.
func (s *Series) Bar(i int) (domain.Bar, bool) {
	j := s.pos + i
	if i > 0 || j < 0 || j >= len(s.bars) {
		return domain.Bar{}, false
	}
	return s.bars[j], true
}

// Last returns the newest bar held, reached or not.
func (s *Series) Last() (domain.Bar, bool) {
	if len(s.bars) == 0 {
		return domain.Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

func (s *Series) value(i int, f func(domain.Bar) float64) float64 {
	b, ok := s.Bar(i)
	if !ok {
		return math.NaN()
	}
	return f(b)
}

func (s *Series) Open(i int) float64  { return s.value(i, func(b domain.Bar) float64 { return b.Open }) }
func (s *Series) High(i int) float64  { return s.value(i, func(b domain.Bar) float64 { return b.High }) }
func (s *Series) Low(i int) float64   { return s.value(i, func(b domain.Bar) float64 { return b.Low }) }
func (s *Series) Close(i int) float64 { return s.value(i, func(b domain.Bar) float64 { return b.Close }) }

func (s *Series) Volume(i int) float64 {
	return s.value(i, func(b domain.Bar) float64 { return float64(b.Volume) })
}

// Now is the timestamp of the current bar, zero before the first one.
func (s *Series) Now() time.Time {
	b, ok := s.Bar(0)
	if !ok {
		return time.Time{}
	}
	return b.Timestamp
}

// Closes returns up to n closes ending at the current bar, oldest first.
func (s *Series) Closes(n int) []float64 {
	if s.pos < 0 || n <= 0 {
		return nil
	}
	start := s.pos - n + 1
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, s.pos-start+1)
	for _, b := range s.bars[start : s.pos+1] {
		out = append(out, b.Close)
	}
	return out
}
