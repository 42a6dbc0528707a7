// Package source abstracts the acquisition system that delivers detector
// frames. Only three capabilities are exposed: the coordinate field for a
// geometry, the next event's image, and the event's auxiliary readings
// (beam monitors, gas detector energy, timing codes).
package source

import (
	"context"
	"errors"
	"fmt"

	"radialq/pkg/array"
	"radialq/pkg/geometry"
)

// ErrExhausted is returned by Next once every event has been delivered.
var ErrExhausted = errors.New("event source exhausted")

// Timing codes carried by the event receiver.
const (
	CodeXrayOn   = 137
	CodeXrayOff  = 162
	CodeXrayOff1 = 163
	CodeLaserOn  = 183
	CodeLaserOff = 184
)

// Aux holds the scalar readings attached to one event. A nil field means
// the reading was not available for that event.
type Aux struct {
	// Diode is the total intensity of the upstream beam monitor
	Diode *float64 `yaml:"diode"`

	// GasEnergy is the pulse energy from the gas detector
	GasEnergy *float64 `yaml:"gasEnergy"`

	// Codes lists the timing codes present for the event
	Codes []int `yaml:"codes"`
}

// HasCode reports whether the timing code is present.
func (a Aux) HasCode(code int) bool {
	for _, c := range a.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Event is one detector shot.
type Event struct {
	// Index is the position of the event in its stream
	Index int

	// Image is the calibrated frame; nil when the detector dropped it
	Image *array.Array

	Aux Aux
}

// Source delivers the events of one run.
type Source interface {
	// CoordinateField returns the per-pixel momentum transfer for the geometry.
	CoordinateField(ctx context.Context, setup geometry.Setup) (*array.Array, error)

	// Next returns the next event or ErrExhausted.
	Next(ctx context.Context) (*Event, error)
}

// Memory is a Source over events already held in memory.
type Memory struct {
	x, y   *array.Array
	events []*Event
	pos    int
}

// NewMemory returns a Source yielding events in order. x and y are the
// pixel coordinates in micrometers.
func NewMemory(x, y *array.Array, events []*Event) (*Memory, error) {
	if err := array.CheckShapes(x, y); err != nil {
		return nil, fmt.Errorf("pixel coordinates: %w", err)
	}
	return &Memory{x: x, y: y, events: events}, nil
}

// CoordinateField implements Source.
func (m *Memory) CoordinateField(ctx context.Context, setup geometry.Setup) (*array.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return setup.Q(m.x, m.y)
}

// Next implements Source.
func (m *Memory) Next(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.pos >= len(m.events) {
		return nil, ErrExhausted
	}
	evt := m.events[m.pos]
	if evt != nil {
		evt.Index = m.pos
	}
	m.pos++
	return evt, nil
}
