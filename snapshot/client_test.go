package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
)

func newMixerAPI(t *testing.T, routes map[string]string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	mux := http.NewServeMux()
	for path, body := range routes {
		body := body
		mux.HandleFunc("/api"+path, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			if r.Method != http.MethodGet {
				http.Error(w, "method", http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch(t *testing.T) {
	srv, hits := newMixerAPI(t, map[string]string{
		"/info":        `{"inputs":["IN1","PC"],"outputs":["OUT1","HP1"]}`,
		"/multipliers": `{"input":{"IN1":1.2,"PC":0.4},"output":{"OUT1":1}}`,
		"/mutes":       `{"IN1":{"OUT1":false,"HP1":true}}`,
	})

	c := NewClient(srv.URL+"/api/", nil, "mixerpanel-test", nil)
	snap, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}

	if !reflect.DeepEqual(snap.Info.Inputs, []string{"IN1", "PC"}) {
		t.Errorf("inputs = %v", snap.Info.Inputs)
	}
	if snap.Multipliers.Input["IN1"] != 1.2 {
		t.Errorf("IN1 multiplier = %v", snap.Multipliers.Input["IN1"])
	}
	if !snap.Mutes.Muted("IN1", "HP1") || snap.Mutes.Muted("IN1", "OUT1") {
		t.Errorf("mutes = %v", snap.Mutes)
	}
	if snap.Mutes.Muted("PC", "OUT1") {
		t.Error("missing mute entry should read as not muted")
	}

	topo := snap.Info.Topology()
	if !reflect.DeepEqual(topo.Outputs, []string{"OUT1", "HP1"}) {
		t.Errorf("topology outputs = %v", topo.Outputs)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		routes  map[string]string
		wantErr string
	}{
		{
			name: "missing endpoint",
			routes: map[string]string{
				"/info":        `{"inputs":[],"outputs":[]}`,
				"/multipliers": `{"input":{},"output":{}}`,
			},
			wantErr: "status 404",
		},
		{
			name: "bad json",
			routes: map[string]string{
				"/info":        `{"inputs":`,
				"/multipliers": `{"input":{},"output":{}}`,
				"/mutes":       `{}`,
			},
			wantErr: "decode /info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newMixerAPI(t, tt.routes)
			_, err := NewClient(srv.URL+"/api", srv.Client(), "", nil).Fetch(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestFetchHonoursContext(t *testing.T) {
	srv, _ := newMixerAPI(t, map[string]string{"/info": `{}`})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(srv.URL+"/api", nil, "", nil).Fetch(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFetchSendsUserAgent(t *testing.T) {
	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/info":
			_, _ = w.Write([]byte(`{"inputs":[],"outputs":[]}`))
		case "/multipliers":
			_, _ = w.Write([]byte(`{"input":{},"output":{}}`))
		default:
			_, _ = w.Write([]byte(`null`))
		}
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL, nil, "mixerpanel/1.0", nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.Mutes == nil {
		t.Error("null mutes should become an empty matrix")
	}
	if got, _ := agent.Load().(string); got != "mixerpanel/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
}
