package dsroute

import (
	"fmt"
	"strings"
)

// Identifier names the logical role of a datasource. The set of identifiers
// is fixed: a router knows a master and, optionally, a slave.
type Identifier uint32

const (
	Master Identifier = iota // Primary read-write datasource.
	Slave                    // Read-only replica.
)

var identifierNames = [...]string{
	Master: "master",
	Slave:  "slave",
}

// String returns the lookup name of the identifier.
func (id Identifier) String() string {
	if int(id) < len(identifierNames) {
		return identifierNames[id]
	}
	return "unknown"
}

// Valid reports whether id is one of the declared identifiers.
func (id Identifier) Valid() bool {
	return int(id) < len(identifierNames)
}

// Identifiers returns all known identifiers in declaration order.
func Identifiers() []Identifier {
	ids := make([]Identifier, 0, len(identifierNames))
	for i := range identifierNames {
		ids = append(ids, Identifier(i))
	}
	return ids
}

// ParseIdentifier converts a lookup name back to an Identifier. The match
// is case insensitive.
func ParseIdentifier(s string) (Identifier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range identifierNames {
		if n == name {
			return Identifier(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownIdentifier, s)
}
