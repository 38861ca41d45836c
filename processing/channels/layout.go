package channels

import (
	"fmt"
	"strings"
)

// Role classifies what a channel carries
type Role int

const (
	RoleSignal Role = iota
	RoleTrigger
	RoleAuxiliary
	RoleReference
)

var roleNames = map[Role]string{
	RoleSignal:    "signal",
	RoleTrigger:   "trigger",
	RoleAuxiliary: "aux",
	RoleReference: "reference",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole maps a role name as advertised by a source to a Role.
// Unknown or empty names are treated as signal channels.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trigger", "trg", "marker", "stim":
		return RoleTrigger
	case "aux", "auxiliary", "misc":
		return RoleAuxiliary
	case "ref", "reference":
		return RoleReference
	default:
		return RoleSignal
	}
}

// Channel is one entry of a source's channel layout
type Channel struct {
	Name string `yaml:"name" json:"name"`
	Role Role   `yaml:"-" json:"-"`
}

// Layout is the ordered channel list reported by a source
type Layout []Channel

// NewLayout builds a layout from parallel name and role lists.
// Missing roles default to signal.
func NewLayout(names []string, roles []string) Layout {
	layout := make(Layout, len(names))
	for i, name := range names {
		layout[i] = Channel{Name: name}
		if i < len(roles) {
			layout[i].Role = ParseRole(roles[i])
		}
	}
	return layout
}

// Names returns the channel names in order
func (l Layout) Names() []string {
	names := make([]string, len(l))
	for i, ch := range l {
		names[i] = ch.Name
	}
	return names
}

// Equal reports whether two layouts have the same names and roles in the same order
func (l Layout) Equal(other Layout) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// Rename returns a copy of the layout with names replaced according to renames
func (l Layout) Rename(renames map[string]string) Layout {
	out := make(Layout, len(l))
	copy(out, l)
	for i, ch := range out {
		if to, ok := renames[ch.Name]; ok && to != "" {
			out[i].Name = to
		}
	}
	return out
}

// IndexOfRole returns the position of the first channel with the given role, or -1
func (l Layout) IndexOfRole(role Role) int {
	for i, ch := range l {
		if ch.Role == role {
			return i
		}
	}
	return -1
}

// IndexOfName returns the position of the first channel named one of names, or -1
func (l Layout) IndexOfName(names ...string) int {
	for i, ch := range l {
		for _, n := range names {
			if ch.Name == n {
				return i
			}
		}
	}
	return -1
}
