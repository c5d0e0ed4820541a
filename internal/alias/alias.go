// Package alias derives stable host aliases from platform instance identifiers.
package alias

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator splits the role name from the ordinal in an instance identifier.
const Separator = "_"

// ErrMalformedIdentifier is returned when an instance identifier does not end in
// "_<ordinal>".
var ErrMalformedIdentifier = errors.New("malformed instance identifier")

// ParseInstanceOrdinal extracts the ordinal suffix of an identifier of the form
// "<rolename>_<ordinal>".
func ParseInstanceOrdinal(id string) (int, error) {
	idx := strings.LastIndex(id, Separator)
	if idx < 0 {
		return 0, fmt.Errorf("%w %q: missing %q separator", ErrMalformedIdentifier, id, Separator)
	}
	suffix := id[idx+len(Separator):]
	if suffix == "" {
		return 0, fmt.Errorf("%w %q: empty ordinal", ErrMalformedIdentifier, id)
	}
	// Atoi accepts a leading sign; ordinals are digits only.
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w %q: ordinal %q is not a number", ErrMalformedIdentifier, id, suffix)
		}
	}
	ordinal, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrMalformedIdentifier, id, err)
	}
	return ordinal, nil
}

// DeriveAlias returns "<replicaSet>_<ordinal>".
func DeriveAlias(replicaSet string, ordinal int) string {
	return replicaSet + Separator + strconv.Itoa(ordinal)
}

// FromInstanceID combines ParseInstanceOrdinal and DeriveAlias.
func FromInstanceID(replicaSet, id string) (string, error) {
	ordinal, err := ParseInstanceOrdinal(id)
	if err != nil {
		return "", err
	}
	return DeriveAlias(replicaSet, ordinal), nil
}
