// Package snapshot fetches the one-shot mixer state used to build the layout:
// topology, volume multipliers and the mute matrix.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cwsl/mixerpanel/channels"
)

// Info is the mixer topology as reported by GET /info.
type Info struct {
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// Topology converts the info response for the channel registry.
func (i Info) Topology() channels.Topology {
	return channels.Topology{Inputs: i.Inputs, Outputs: i.Outputs}
}

// Multipliers holds the volume multiplier per channel (GET /multipliers).
type Multipliers struct {
	Input  map[string]float64 `json:"input"`
	Output map[string]float64 `json:"output"`
}

// Mutes is the input to output mute matrix (GET /mutes).
// Mutes[input][output] == true means the input is not routed to that output.
type Mutes map[string]map[string]bool

// Muted reports whether an input is muted on an output. Missing entries are
// treated as not muted.
func (m Mutes) Muted(input, output string) bool {
	return m[input][output]
}

// Snapshot is the combined state needed before the layout can be built.
type Snapshot struct {
	Info        Info
	Multipliers Multipliers
	Mutes       Mutes
}

// Client talks to the mixer's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// NewClient creates a snapshot client for the API rooted at baseURL
// (e.g. http://mixer.local/api). A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, userAgent string, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// Fetch requests /info, /multipliers and /mutes concurrently and returns once
// all three have completed. The first failure cancels the others.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.get(gctx, "/info", &snap.Info) })
	g.Go(func() error { return c.get(gctx, "/multipliers", &snap.Multipliers) })
	g.Go(func() error { return c.get(gctx, "/mutes", &snap.Mutes) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if snap.Mutes == nil {
		snap.Mutes = Mutes{}
	}

	c.logger.Info("fetched mixer snapshot",
		zap.Int("inputs", len(snap.Info.Inputs)),
		zap.Int("outputs", len(snap.Info.Outputs)))
	return &snap, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("error closing response body", zap.String("path", path), zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
