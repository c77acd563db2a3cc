package feed

import (
	"context"
	"fmt"
	"io"
)

// Feeder advances a set of series in lockstep with a primary one. Each call
// to Next moves the primary one bar and every secondary to its newest bar
// not after the primary's time.
type Feeder struct {
	series  []*Series
	byName  map[string]*Series
	primary *Series
}

// NewFeeder creates a Feeder. The first series is primary until SetPrimary
// says otherwise.
func NewFeeder(series ...*Series) *Feeder {
	f := &Feeder{byName: make(map[string]*Series, len(series))}
	for _, s := range series {
		f.series = append(f.series, s)
		f.byName[s.Name()] = s
	}
	if len(series) > 0 {
		f.primary = series[0]
	}
	return f
}

// SetPrimary marks the named series as the one pacing the loop.
func (f *Feeder) SetPrimary(name string) error {
	s, ok := f.byName[name]
	if !ok {
		return fmt.Errorf("feeder: unknown series %q", name)
	}
	f.primary = s
	return nil
}

// Primary returns the pacing series.
func (f *Feeder) Primary() *Series { return f.primary }

// Series returns a series by name.
func (f *Feeder) Series(name string) (*Series, bool) {
	s, ok := f.byName[name]
	return s, ok
}

// Start rewinds every series.
func (f *Feeder) Start(context.Context) error {
	if f.primary == nil {
		return fmt.Errorf("feeder: no series")
	}
	for _, s := range f.series {
		s.Reset()
	}
	return nil
}

// Next advances one primary bar. It returns io.EOF when the primary is
// exhausted.
func (f *Feeder) Next(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.primary.Advance() {
		return io.EOF
	}
	now := f.primary.Now()
	for _, s := range f.series {
		if s != f.primary {
			s.AdvanceTo(now)
		}
	}
	return nil
}

func (f *Feeder) Stop(context.Context) error { return nil }
