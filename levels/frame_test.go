package levels

import (
	"errors"
	"testing"

	"github.com/cwsl/mixerpanel/channels"
)

func TestParseFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"input":{"IN1":{"rms":-12.5,"peak":-3},"AUX":{"rms":-40}},"output":{"OUT1":{"rms":0}}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if got, err := frame[channels.Input]["IN1"].RMS(); err != nil || got != -12.5 {
		t.Errorf("IN1 rms = %v, %v, want -12.5", got, err)
	}
	if got, err := frame[channels.Input]["AUX"].RMS(); err != nil || got != -40 {
		t.Errorf("AUX rms = %v, %v, want -40", got, err)
	}
	if _, ok := frame[channels.Output]["OUT1"]; !ok {
		t.Error("OUT1 missing from output")
	}
}

func TestParseFrameEmptyMappings(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"input":{},"output":{}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if len(frame[channels.Input]) != 0 || len(frame[channels.Output]) != 0 {
		t.Fatalf("frame = %v, want empty mappings", frame)
	}
}

func TestParseFrameRejects(t *testing.T) {
	payloads := map[string]string{
		"not json":          `garbage`,
		"array":             `[1,2,3]`,
		"missing output":    `{"input":{"IN1":{"rms":-1}}}`,
		"null input":        `{"input":null,"output":{}}`,
		"input not object":  `{"input":"IN1","output":{}}`,
		"output is a list":  `{"input":{},"output":[]}`,
		"truncated message": `{"input":{"IN1":{"rms":-1`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFrame([]byte(payload))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("ParseFrame(%s) error = %v, want ErrMalformedFrame", payload, err)
			}
		})
	}
}

func TestParseFrameKeepsBadEntries(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"input":{"IN1":{"rms":-6},"AUX":{"peak":-3}},"output":{"OUT1":{"rms":"loud"}}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if _, ok := frame[channels.Input]["AUX"]; !ok {
		t.Fatal("AUX entry missing")
	}
	if got, err := frame[channels.Input]["IN1"].RMS(); err != nil || got != -6 {
		t.Errorf("IN1 rms = %v, %v", got, err)
	}
}

func TestLevelRMSRejects(t *testing.T) {
	entries := map[string]string{
		"not object":       `-3`,
		"missing rms":      `{"peak":-3}`,
		"null rms":         `{"rms":null}`,
		"rms not a number": `{"rms":"loud"}`,
		"null entry":       `null`,
	}
	for name, entry := range entries {
		t.Run(name, func(t *testing.T) {
			_, err := Level(entry).RMS()
			if !errors.Is(err, ErrMalformedLevel) {
				t.Fatalf("RMS(%s) error = %v, want ErrMalformedLevel", entry, err)
			}
		})
	}
}
