package levels

import (
	"time"

	"github.com/cwsl/mixerpanel/channels"
)

// Sink receives level values for visible channels. Implementations must treat
// an unknown (id, role) pair as a no-op.
type Sink interface {
	UpdateMeter(id string, role channels.Role, rms float64)
}

// MultiSink fans every update out to each sink in order.
type MultiSink []Sink

// UpdateMeter implements Sink.
func (m MultiSink) UpdateMeter(id string, role channels.Role, rms float64) {
	for _, s := range m {
		if s != nil {
			s.UpdateMeter(id, role, rms)
		}
	}
}

// Observer is told about stream lifecycle events. Used for metrics.
type Observer interface {
	StreamOpened(handleID string)
	FrameAccepted(at time.Time)
	FrameDropped(err error)
}

type nopObserver struct{}

func (nopObserver) StreamOpened(string)     {}
func (nopObserver) FrameAccepted(time.Time) {}
func (nopObserver) FrameDropped(error)      {}
