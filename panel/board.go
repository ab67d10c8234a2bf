// Package panel holds the display surface of the mixer: one strip per visible
// channel and an error area for the degraded-feed notice.
package panel

import (
	"math"
	"sync"

	"github.com/cwsl/mixerpanel/channels"
	"github.com/cwsl/mixerpanel/snapshot"
)

// Meter ranges in dBFS, matching the hardware panel's scale.
const (
	MeterMin     = -40.0
	MeterLow     = -30.0
	MeterHigh    = -14.0
	MeterOptimum = -40.0
	MeterMax     = 0.0
	MeterInitial = -50.0
)

// Volume slider range for multipliers.
const (
	SliderMin  = 0.0
	SliderMax  = 1.8
	SliderStep = 0.1
)

const (
	// IndicatorID identifies the degraded-feed notice in the error area.
	IndicatorID = "no-vu-update"
	// IndicatorText is what the user sees while the feed is stale.
	IndicatorText = "No update from the mixer!"
)

// Zone classifies a meter value the way an HTML <meter> would, given an
// optimum at the bottom of the scale.
type Zone int

const (
	ZoneOptimum Zone = iota // below low
	ZoneSuboptimal          // between low and high
	ZonePoor                // above high
)

// Meter is a level meter widget.
type Meter struct {
	Min, Low, High, Optimum, Max float64
	Value                        float64
}

// NewMeter returns a meter with the panel's scale at its initial value.
func NewMeter() Meter {
	return Meter{
		Min:     MeterMin,
		Low:     MeterLow,
		High:    MeterHigh,
		Optimum: MeterOptimum,
		Max:     MeterMax,
		Value:   MeterInitial,
	}
}

// Ratio is the filled fraction of the meter, clamped to [0,1].
func (m Meter) Ratio() float64 {
	if m.Max <= m.Min {
		return 0
	}
	r := (m.Value - m.Min) / (m.Max - m.Min)
	return math.Max(0, math.Min(1, r))
}

// Zone reports which region the current value falls in.
func (m Meter) Zone() Zone {
	v := math.Max(m.Min, math.Min(m.Max, m.Value))
	switch {
	case v <= m.Low:
		return ZoneOptimum
	case v <= m.High:
		return ZoneSuboptimal
	default:
		return ZonePoor
	}
}

// Slider is a volume slider widget.
type Slider struct {
	Min, Max, Step float64
	Value          float64
}

// NewSlider snaps a multiplier onto the slider's range and step. A missing
// multiplier leaves the slider at its midpoint.
func NewSlider(multiplier float64, ok bool) Slider {
	s := Slider{Min: SliderMin, Max: SliderMax, Step: SliderStep}
	if !ok || math.IsNaN(multiplier) {
		multiplier = (s.Min + s.Max) / 2
	}
	steps := math.Round((multiplier - s.Min) / s.Step)
	v := s.Min + steps*s.Step
	v = math.Max(s.Min, math.Min(s.Max, v))
	s.Value = math.Round(v*10) / 10
	return s
}

// Route is one cell of an input's mute matrix.
type Route struct {
	Output  string
	Label   string
	Enabled bool // true when the input is routed (not muted) to Output
}

// Strip is one channel block.
type Strip struct {
	ID     string
	Role   channels.Role
	Label  string
	Volume Slider
	Meter  Meter
	Routes []Route // inputs only
}

// Notice is an entry in the error area.
type Notice struct {
	ID   string
	Text string
}

// View is a point-in-time copy of the board for renderers.
type View struct {
	Inputs  []Strip
	Outputs []Strip
	Errors  []Notice
}

type widgetKey struct {
	id   string
	role channels.Role
}

// Board is the laid-out panel. Layout happens once in Build; afterwards only
// meter values and the error area change.
type Board struct {
	mu      sync.RWMutex
	inputs  []*Strip
	outputs []*Strip
	widgets map[widgetKey]*Strip
	errors  []Notice
}

// Build lays out strips for every visible channel using the snapshot's
// multipliers and mute matrix.
func Build(reg *channels.Registry, snap *snapshot.Snapshot) *Board {
	b := &Board{widgets: make(map[widgetKey]*Strip)}

	outputs := reg.Channels(channels.Output)

	for _, id := range reg.Channels(channels.Input) {
		mult, ok := snap.Multipliers.Input[id]
		strip := &Strip{
			ID:     id,
			Role:   channels.Input,
			Label:  reg.Label(channels.Input, id),
			Volume: NewSlider(mult, ok),
			Meter:  NewMeter(),
			Routes: make([]Route, 0, len(outputs)),
		}
		for _, out := range outputs {
			strip.Routes = append(strip.Routes, Route{
				Output:  out,
				Label:   reg.Label(channels.Output, out),
				Enabled: !snap.Mutes.Muted(id, out),
			})
		}
		b.inputs = append(b.inputs, strip)
		b.widgets[widgetKey{id, channels.Input}] = strip
	}

	for _, id := range outputs {
		mult, ok := snap.Multipliers.Output[id]
		strip := &Strip{
			ID:     id,
			Role:   channels.Output,
			Label:  reg.Label(channels.Output, id),
			Volume: NewSlider(mult, ok),
			Meter:  NewMeter(),
		}
		b.outputs = append(b.outputs, strip)
		b.widgets[widgetKey{id, channels.Output}] = strip
	}

	return b
}

// UpdateMeter sets the meter of the (id, role) strip. Unknown strips are
// ignored.
func (b *Board) UpdateMeter(id string, role channels.Role, rms float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.widgets[widgetKey{id, role}]; ok {
		s.Meter.Value = rms
	}
}

// MeterValue returns the current value of a strip's meter.
func (b *Board) MeterValue(id string, role channels.Role) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.widgets[widgetKey{id, role}]
	if !ok {
		return 0, false
	}
	return s.Meter.Value, true
}

// ShowIndicator adds the degraded-feed notice unless it is already shown.
// It reports whether the notice was added.
func (b *Board) ShowIndicator() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.indexOf(IndicatorID) >= 0 {
		return false
	}
	b.errors = append(b.errors, Notice{ID: IndicatorID, Text: IndicatorText})
	return true
}

// HideIndicator removes the degraded-feed notice. It reports whether a
// notice was removed.
func (b *Board) HideIndicator() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(IndicatorID)
	if i < 0 {
		return false
	}
	b.errors = append(b.errors[:i], b.errors[i+1:]...)
	return true
}

// IndicatorCount returns how many degraded-feed notices are displayed.
func (b *Board) IndicatorCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.errors {
		if e.ID == IndicatorID {
			n++
		}
	}
	return n
}

func (b *Board) indexOf(id string) int {
	for i, e := range b.errors {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// View copies the board for rendering.
func (b *Board) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := View{
		Inputs:  make([]Strip, 0, len(b.inputs)),
		Outputs: make([]Strip, 0, len(b.outputs)),
		Errors:  append([]Notice(nil), b.errors...),
	}
	for _, s := range b.inputs {
		cp := *s
		cp.Routes = append([]Route(nil), s.Routes...)
		v.Inputs = append(v.Inputs, cp)
	}
	for _, s := range b.outputs {
		v.Outputs = append(v.Outputs, *s)
	}
	return v
}
