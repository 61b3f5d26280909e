package transfer

import (
	"context"
	"errors"
	"testing"

	"labport/internal/model"
)

// fakeQuerier answers lookups from fixed maps.
type fakeQuerier struct {
	names    map[string]int64 // natural key value of the name column -> id
	storage  map[int64]bool   // existing storage ids
	allowed  map[int64]bool   // storage ids the account may use
	lookups  []Fields
	failWith error
}

func (f *fakeQuerier) FindByNaturalKey(_ context.Context, _ Kind, _ *int64, key Fields) (int64, bool, error) {
	f.lookups = append(f.lookups, key)
	if f.failWith != nil {
		return 0, false, f.failWith
	}
	for _, v := range key {
		if s, ok := v.(string); ok {
			if id, ok := f.names[s]; ok {
				return id, true, nil
			}
		}
	}
	return 0, false, nil
}

func (f *fakeQuerier) EntityExists(_ context.Context, _ Kind, id int64) (bool, error) {
	return f.storage[id], nil
}

func (f *fakeQuerier) CanUseStorage(_ context.Context, _, storageID int64) (bool, error) {
	return f.allowed[storageID], nil
}

func (f *fakeQuerier) FindAccountByUsername(context.Context, string) (*model.Account, error) {
	return nil, nil
}

func TestNewNamingPolicy(t *testing.T) {
	if got := NewNamingPolicy(true, "", nil).Name(); got != PolicyBulkTransfer {
		t.Errorf("bulk policy name = %q", got)
	}
	p := NewNamingPolicy(false, "", nil)
	if p.Name() != PolicyUserCentric {
		t.Errorf("user-centric policy name = %q", p.Name())
	}
	if got := p.DeriveDisplayName("Gel"); got != DefaultMarker+"Gel" {
		t.Errorf("default marker name = %q", got)
	}
	if !p.ConvertOrphanInstrumentAnnotations() || p.MatchForeignUsers() {
		t.Error("user-centric policy should convert orphans and not match foreign users")
	}
	bulk := NewNamingPolicy(true, "", nil)
	if bulk.ConvertOrphanInstrumentAnnotations() || !bulk.MatchForeignUsers() {
		t.Error("bulk policy should keep orphans and match foreign users")
	}
}

func TestUserCentric_DeriveDisplayName(t *testing.T) {
	p := NewNamingPolicy(false, "[EXT] ", nil)
	tests := []struct {
		in, want string
	}{
		{"Western blot", "[EXT] Western blot"},
		{"[EXT] Western blot", "[EXT] Western blot"},
		{"", "[EXT] "},
		{" [EXT] padded", "[EXT]  [EXT] padded"},
	}
	for _, tt := range tests {
		got := p.DeriveDisplayName(tt.in)
		if got != tt.want {
			t.Errorf("DeriveDisplayName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := p.DeriveDisplayName(got); again != got {
			t.Errorf("DeriveDisplayName not idempotent: %q -> %q", got, again)
		}
	}
}

func TestBulkTransfer_DeriveDisplayName(t *testing.T) {
	p := NewNamingPolicy(true, "[EXT] ", nil)
	for _, name := range []string{"Western blot", "[EXT] Western blot", ""} {
		if got := p.DeriveDisplayName(name); got != name {
			t.Errorf("DeriveDisplayName(%q) = %q, want verbatim", name, got)
		}
	}
}

func TestUserCentric_ResolveIdentity(t *testing.T) {
	tests := []struct {
		name        string
		existing    map[string]int64
		key         Fields
		nameField   string
		wantID      int64
		wantFound   bool
		wantLookups int
	}{
		{
			name:        "exact match",
			existing:    map[string]int64{"PCR": 3},
			key:         Fields{"protocol_title": "PCR"},
			nameField:   "protocol_title",
			wantID:      3,
			wantFound:   true,
			wantLookups: 1,
		},
		{
			name:        "marked destination name",
			existing:    map[string]int64{"[IMPORTED] PCR": 4},
			key:         Fields{"protocol_title": "PCR"},
			nameField:   "protocol_title",
			wantID:      4,
			wantFound:   true,
			wantLookups: 2,
		},
		{
			name:        "marked archive name",
			existing:    map[string]int64{"PCR": 5},
			key:         Fields{"protocol_title": "[IMPORTED] PCR"},
			nameField:   "protocol_title",
			wantID:      5,
			wantFound:   true,
			wantLookups: 2,
		},
		{
			name:        "no name field",
			existing:    map[string]int64{"[IMPORTED] Alpha": 6},
			key:         Fields{"name": "Alpha", "unit": "mL"},
			wantLookups: 1,
		},
		{
			name:     "empty key value",
			existing: map[string]int64{"": 7},
			key:      Fields{"tag": "  "},
		},
		{
			name:     "null key value",
			existing: map[string]int64{"mL": 8},
			key:      Fields{"name": nil, "unit": "mL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{names: tt.existing}
			p := NewNamingPolicy(false, "", nil)
			id, found, err := p.ResolveIdentity(context.Background(), q, IdentityQuery{
				Kind: KindProtocol, Key: tt.key, NameField: tt.nameField,
			})
			if err != nil {
				t.Fatalf("ResolveIdentity() error = %v", err)
			}
			if id != tt.wantID || found != tt.wantFound {
				t.Errorf("ResolveIdentity() = %d, %v, want %d, %v", id, found, tt.wantID, tt.wantFound)
			}
			if len(q.lookups) != tt.wantLookups {
				t.Errorf("lookups = %d, want %d", len(q.lookups), tt.wantLookups)
			}
		})
	}
}

func TestUserCentric_ResolveIdentityError(t *testing.T) {
	q := &fakeQuerier{failWith: errors.New("connection reset")}
	_, _, err := NewNamingPolicy(false, "", nil).ResolveIdentity(context.Background(), q, IdentityQuery{
		Kind: KindTag, Key: Fields{"tag": "x"},
	})
	if err == nil {
		t.Fatal("ResolveIdentity() error = nil, want lookup failure")
	}
}

func TestBulkTransfer_NeverReuses(t *testing.T) {
	q := &fakeQuerier{names: map[string]int64{"PCR": 1}}
	_, found, err := NewNamingPolicy(true, "", nil).ResolveIdentity(context.Background(), q, IdentityQuery{
		Kind: KindProtocol, Key: Fields{"protocol_title": "PCR"}, NameField: "protocol_title",
	})
	if err != nil || found {
		t.Errorf("ResolveIdentity() = found %v, err %v, want no match", found, err)
	}
	if len(q.lookups) != 0 {
		t.Errorf("bulk policy queried the destination %d times", len(q.lookups))
	}
}

func TestUserCentric_PlaceStoredReagent(t *testing.T) {
	q := &fakeQuerier{
		storage: map[int64]bool{20: true, 21: true},
		allowed: map[int64]bool{20: true},
	}
	p := NewNamingPolicy(false, "", map[int64]int64{1: 20, 2: 21, 3: 99})

	tests := []struct {
		name     string
		original int64
		wantDest int64
		wantCode Code
	}{
		{"allowed", 1, 20, ""},
		{"not allowed", 2, 0, CodeStorageUnauthorized},
		{"missing destination", 3, 0, CodeStorageUnavailable},
		{"not nominated", 4, 0, CodeStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, soft, err := p.PlaceStoredReagent(context.Background(), q, 1, tt.original, NewIdentityMap())
			if err != nil {
				t.Fatalf("PlaceStoredReagent() error = %v", err)
			}
			if dest != tt.wantDest {
				t.Errorf("dest = %d, want %d", dest, tt.wantDest)
			}
			var code Code
			if soft != nil {
				code = soft.Code
			}
			if code != tt.wantCode {
				t.Errorf("soft code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestBulkTransfer_PlaceStoredReagent(t *testing.T) {
	ids := NewIdentityMap()
	if err := ids.Put(KindStorageObject, 10, Identity{ID: 77}); err != nil {
		t.Fatal(err)
	}
	p := NewNamingPolicy(true, "", nil)

	dest, soft, err := p.PlaceStoredReagent(context.Background(), &fakeQuerier{}, 1, 10, ids)
	if err != nil || soft != nil || dest != 77 {
		t.Errorf("PlaceStoredReagent(10) = %d, %v, %v, want 77", dest, soft, err)
	}
	_, soft, err = p.PlaceStoredReagent(context.Background(), &fakeQuerier{}, 1, 11, ids)
	if err != nil || soft == nil || soft.Code != CodeStorageUnavailable {
		t.Errorf("PlaceStoredReagent(11) soft = %v, err = %v, want STORAGE_UNAVAILABLE", soft, err)
	}
}
