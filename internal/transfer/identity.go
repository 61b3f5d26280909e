package transfer

import "fmt"

// Identity is the destination entity an archive record was mapped to.
type Identity struct {
	ID     int64
	Reused bool // mapped to a pre-existing entity instead of a created one
}

type identityKey struct {
	kind Kind
	id   int64
}

// IdentityMap translates archive identifiers to destination identifiers for one session.
// Entries are write-once.
type IdentityMap struct {
	entries map[identityKey]Identity
}

func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[identityKey]Identity)}
}

// Put registers a mapping. Re-registering a key fails, even with the same value.
func (m *IdentityMap) Put(kind Kind, originalID int64, ident Identity) error {
	key := identityKey{kind, originalID}
	if existing, ok := m.entries[key]; ok {
		return fmt.Errorf("identity for %s #%d already mapped to %d", kind, originalID, existing.ID)
	}
	m.entries[key] = ident
	return nil
}

// Get looks up the destination identity of an archive record.
func (m *IdentityMap) Get(kind Kind, originalID int64) (Identity, bool) {
	ident, ok := m.entries[identityKey{kind, originalID}]
	return ident, ok
}

// Len returns the number of mappings for kind.
func (m *IdentityMap) Len(kind Kind) int {
	n := 0
	for k := range m.entries {
		if k.kind == kind {
			n++
		}
	}
	return n
}
