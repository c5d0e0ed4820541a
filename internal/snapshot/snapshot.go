// Package snapshot holds the membership view produced by one discovery pass.
package snapshot

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

var (
	// ErrDuplicateAlias is returned by Build when two members share an alias.
	ErrDuplicateAlias = errors.New("duplicate alias")
	// ErrInvalidMember is returned by Build when a member has no alias or address.
	ErrInvalidMember = errors.New("invalid member")
)

// NodeAlias maps one instance address to its derived alias.
type NodeAlias struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
}

func (n NodeAlias) String() string {
	return n.Alias + "=" + n.Address
}

// Snapshot is an immutable set of NodeAlias values. The zero value is an empty
// snapshot.
type Snapshot struct {
	members []NodeAlias
	// canonical is members sorted by alias, used for order-insensitive equality.
	canonical []NodeAlias
}

// Build constructs a snapshot from members in discovery order.
func Build(members []NodeAlias) (Snapshot, error) {
	seen := make(map[string]string, len(members))
	for _, m := range members {
		if m.Alias == "" || m.Address == "" {
			return Snapshot{}, fmt.Errorf("%w: %+v", ErrInvalidMember, m)
		}
		if prev, ok := seen[m.Alias]; ok {
			return Snapshot{}, fmt.Errorf("%w %q (%s, %s)", ErrDuplicateAlias, m.Alias, prev, m.Address)
		}
		seen[m.Alias] = m.Address
	}

	ordered := slices.Clone(members)
	canonical := slices.Clone(members)
	slices.SortFunc(canonical, func(a, b NodeAlias) int {
		return strings.Compare(a.Alias, b.Alias)
	})
	return Snapshot{members: ordered, canonical: canonical}, nil
}

// MustBuild is Build for fixed inputs; it panics on error.
func MustBuild(members ...NodeAlias) Snapshot {
	s, err := Build(members)
	if err != nil {
		panic(err)
	}
	return s
}

// Equals reports whether both snapshots hold the same (alias, address) pairs,
// regardless of order.
func (s Snapshot) Equals(other Snapshot) bool {
	return slices.Equal(s.canonical, other.canonical)
}

// All yields members in discovery order.
func (s Snapshot) All() iter.Seq[NodeAlias] {
	return func(yield func(NodeAlias) bool) {
		for _, m := range s.members {
			if !yield(m) {
				return
			}
		}
	}
}

// Len returns the number of members.
func (s Snapshot) Len() int {
	return len(s.members)
}

// Members returns a copy of the members in discovery order.
func (s Snapshot) Members() []NodeAlias {
	return slices.Clone(s.members)
}

func (s Snapshot) String() string {
	parts := make([]string, 0, len(s.members))
	for _, m := range s.members {
		parts = append(parts, m.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}
