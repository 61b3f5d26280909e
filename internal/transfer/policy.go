package transfer

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMarker is prefixed to display names of entities created in user-centric mode.
const DefaultMarker = "[IMPORTED] "

const (
	PolicyUserCentric  = "user_centric"
	PolicyBulkTransfer = "bulk_transfer"
)

// IdentityQuery describes a natural-key lookup for one archive record.
type IdentityQuery struct {
	Kind      Kind
	OwnerID   *int64 // nil for kinds whose natural key is global
	Key       Fields
	NameField string // key column carrying the display name, if any
}

// NamingPolicy decides how archive records map onto the destination: whether existing
// entities are reused, how display names are derived, and where stored reagents go.
type NamingPolicy interface {
	Name() string

	// ResolveIdentity returns an existing entity to reuse instead of creating one.
	ResolveIdentity(ctx context.Context, q Querier, query IdentityQuery) (int64, bool, error)

	// DeriveDisplayName returns the display name a created entity gets.
	DeriveDisplayName(name string) string

	// PlaceStoredReagent picks the destination storage for a stored reagent whose archive
	// storage id is originalStorageID. A non-nil *Error is a soft, per-record refusal.
	PlaceStoredReagent(ctx context.Context, q Querier, accountID, originalStorageID int64, ids *IdentityMap) (int64, *Error, error)

	// ConvertOrphanInstrumentAnnotations reports whether instrument annotations without an
	// importable instrument become text annotations.
	ConvertOrphanInstrumentAnnotations() bool

	// MatchForeignUsers reports whether archive users other than the exporter are mapped
	// to destination accounts with the same username.
	MatchForeignUsers() bool
}

// NewNamingPolicy returns the bulk-transfer policy when bulk is set and the user-centric
// policy otherwise.
func NewNamingPolicy(bulk bool, marker string, nominations map[int64]int64) NamingPolicy {
	if bulk {
		return bulkTransfer{}
	}
	if marker == "" {
		marker = DefaultMarker
	}
	return &userCentric{marker: marker, nominations: nominations}
}

// userCentric reuses entities matching a natural key, marks created ones as foreign and
// requires explicit storage nominations.
type userCentric struct {
	marker      string
	nominations map[int64]int64
}

func (p *userCentric) Name() string { return PolicyUserCentric }

func (p *userCentric) ResolveIdentity(ctx context.Context, q Querier, query IdentityQuery) (int64, bool, error) {
	if !completeKey(query.Key) {
		return 0, false, nil
	}
	for _, key := range p.keyVariants(query) {
		id, found, err := q.FindByNaturalKey(ctx, query.Kind, query.OwnerID, key)
		if err != nil {
			return 0, false, fmt.Errorf("looking up existing %s: %w", query.Kind, err)
		}
		if found {
			return id, true, nil
		}
	}
	return 0, false, nil
}

// keyVariants returns the key as archived plus, when it carries a display name, the key
// with the name in its marked and unmarked forms.
func (p *userCentric) keyVariants(query IdentityQuery) []Fields {
	variants := []Fields{query.Key}
	name, ok := query.Key[query.NameField].(string)
	if query.NameField == "" || !ok {
		return variants
	}
	alt := p.DeriveDisplayName(name)
	if alt == name {
		alt = strings.TrimPrefix(name, p.marker)
	}
	if alt == name {
		return variants
	}
	key := make(Fields, len(query.Key))
	for k, v := range query.Key {
		key[k] = v
	}
	key[query.NameField] = alt
	return append(variants, key)
}

func (p *userCentric) DeriveDisplayName(name string) string {
	if strings.HasPrefix(name, p.marker) {
		return name
	}
	return p.marker + name
}

func (p *userCentric) PlaceStoredReagent(ctx context.Context, q Querier, accountID, originalStorageID int64, _ *IdentityMap) (int64, *Error, error) {
	const op = "policy.place_stored_reagent"
	dest, ok := p.nominations[originalStorageID]
	if !ok {
		return 0, Errorf(CodeStorageUnavailable, op, "no storage nomination for archive storage #%d", originalStorageID), nil
	}
	exists, err := q.EntityExists(ctx, KindStorageObject, dest)
	if err != nil {
		return 0, nil, fmt.Errorf("checking nominated storage %d: %w", dest, err)
	}
	if !exists {
		return 0, Errorf(CodeStorageUnavailable, op, "nominated storage #%d does not exist", dest), nil
	}
	allowed, err := q.CanUseStorage(ctx, accountID, dest)
	if err != nil {
		return 0, nil, fmt.Errorf("checking access to storage %d: %w", dest, err)
	}
	if !allowed {
		return 0, Errorf(CodeStorageUnauthorized, op, "account %d may not use storage #%d", accountID, dest), nil
	}
	return dest, nil, nil
}

func (p *userCentric) ConvertOrphanInstrumentAnnotations() bool { return true }
func (p *userCentric) MatchForeignUsers() bool                  { return false }

// bulkTransfer recreates everything verbatim.
type bulkTransfer struct{}

func (bulkTransfer) Name() string { return PolicyBulkTransfer }

func (bulkTransfer) ResolveIdentity(context.Context, Querier, IdentityQuery) (int64, bool, error) {
	return 0, false, nil
}

func (bulkTransfer) DeriveDisplayName(name string) string { return name }

func (bulkTransfer) PlaceStoredReagent(_ context.Context, _ Querier, _ int64, originalStorageID int64, ids *IdentityMap) (int64, *Error, error) {
	ident, ok := ids.Get(KindStorageObject, originalStorageID)
	if !ok {
		return 0, Errorf(CodeStorageUnavailable, "policy.place_stored_reagent", "archive storage #%d was not imported", originalStorageID), nil
	}
	return ident.ID, nil, nil
}

func (bulkTransfer) ConvertOrphanInstrumentAnnotations() bool { return false }
func (bulkTransfer) MatchForeignUsers() bool                  { return true }

// completeKey reports whether every key column has a usable value.
func completeKey(key Fields) bool {
	if len(key) == 0 {
		return false
	}
	for _, v := range key {
		switch t := v.(type) {
		case nil:
			return false
		case string:
			if strings.TrimSpace(t) == "" {
				return false
			}
		}
	}
	return true
}
