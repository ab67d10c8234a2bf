package levels

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cwsl/mixerpanel/channels"
)

var (
	// ErrMalformedFrame is returned for payloads that are not a level frame.
	ErrMalformedFrame = errors.New("malformed level frame")
	// ErrMalformedLevel is returned for a channel entry without a numeric rms.
	ErrMalformedLevel = errors.New("malformed channel level")
)

// Level is one channel entry of a frame, kept undecoded until a meter needs
// it. Servers may send more fields than rms; they are ignored.
type Level json.RawMessage

// RMS decodes the rms field of the entry.
func (l Level) RMS() (float64, error) {
	var wl struct {
		RMS *float64 `json:"rms"`
	}
	if err := json.Unmarshal(l, &wl); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedLevel, err)
	}
	if wl.RMS == nil {
		return 0, fmt.Errorf("%w: no rms", ErrMalformedLevel)
	}
	return *wl.RMS, nil
}

// Frame is one level message: role -> channel id -> level.
type Frame map[channels.Role]map[string]Level

type wireFrame struct {
	Input  map[string]json.RawMessage `json:"input"`
	Output map[string]json.RawMessage `json:"output"`
}

// ParseFrame decodes a level message. Both the input and output mappings must
// be present objects; their entries are checked only when read.
func ParseFrame(data []byte) (Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	for _, key := range []string{"input", "output"} {
		if v, ok := raw[key]; !ok || string(v) == "null" {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedFrame, key)
		}
	}

	var wf wireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	frame := make(Frame, 2)
	for role, entries := range map[channels.Role]map[string]json.RawMessage{
		channels.Input:  wf.Input,
		channels.Output: wf.Output,
	} {
		byID := make(map[string]Level, len(entries))
		for id, entry := range entries {
			byID[id] = Level(entry)
		}
		frame[role] = byID
	}
	return frame, nil
}
