// Package channels derives which mixer channels are shown, in which order and
// under which label.
package channels

// Role distinguishes the two sides of the mixer.
type Role string

const (
	Input  Role = "input"
	Output Role = "output"
)

// Roles lists every role in display order.
var Roles = []Role{Input, Output}

// Topology is the server-reported set of channels, in server order.
type Topology struct {
	Inputs  []string
	Outputs []string
}

// Config holds the fixed allow-lists and label tables. It is treated as
// immutable once handed to NewRegistry.
type Config struct {
	Inputs       []string          // Allow-listed inputs, in display order
	Outputs      []string          // Allow-listed outputs, in display order
	InputLabels  map[string]string // Display label per input id (fallback: id)
	OutputLabels map[string]string // Display label per output id (fallback: id)
}

// DefaultConfig returns the channel layout of the studio mixer.
func DefaultConfig() Config {
	return Config{
		Inputs:      []string{"IN1", "IN2", "IN3", "PC", "USB1", "USB2"},
		Outputs:     []string{"OUT1", "OUT2", "HP1", "HP2", "USB1", "USB2"},
		InputLabels: map[string]string{},
		OutputLabels: map[string]string{
			"OUT1": "\U0001F4F9",
			"OUT2": "\U0001F50A",
			"HP1":  "\U0001F3A7L",
			"HP2":  "\U0001F3A7R",
		},
	}
}

// VisibleChannels returns the elements of allowList that are also present in
// serverChannels. The result follows allowList order and holds no duplicates.
func VisibleChannels(serverChannels, allowList []string) []string {
	present := make(map[string]struct{}, len(serverChannels))
	for _, id := range serverChannels {
		present[id] = struct{}{}
	}

	visible := make([]string, 0, len(allowList))
	seen := make(map[string]struct{}, len(allowList))
	for _, id := range allowList {
		if _, ok := present[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		visible = append(visible, id)
	}
	return visible
}

// Registry is the immutable set of visible channels per role.
type Registry struct {
	ordered map[Role][]string
	visible map[Role]map[string]struct{}
	labels  map[Role]map[string]string
}

// NewRegistry intersects the topology with the configured allow-lists.
func NewRegistry(topology Topology, cfg Config) *Registry {
	r := &Registry{
		ordered: map[Role][]string{
			Input:  VisibleChannels(topology.Inputs, cfg.Inputs),
			Output: VisibleChannels(topology.Outputs, cfg.Outputs),
		},
		visible: make(map[Role]map[string]struct{}, len(Roles)),
		labels: map[Role]map[string]string{
			Input:  copyLabels(cfg.InputLabels),
			Output: copyLabels(cfg.OutputLabels),
		},
	}
	for role, ids := range r.ordered {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		r.visible[role] = set
	}
	return r
}

// Channels returns the visible channel ids for a role, in display order.
func (r *Registry) Channels(role Role) []string {
	ids := r.ordered[role]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// IsVisible reports whether a channel of the given role is displayed.
func (r *Registry) IsVisible(role Role, id string) bool {
	_, ok := r.visible[role][id]
	return ok
}

// Label returns the display label for a channel, falling back to its id.
func (r *Registry) Label(role Role, id string) string {
	if label, ok := r.labels[role][id]; ok && label != "" {
		return label
	}
	return id
}

func copyLabels(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
