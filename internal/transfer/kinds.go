package transfer

import (
	"fmt"
	"sort"
)

// Kind identifies one category of entity, both in the archive snapshot and in the
// destination store.
type Kind string

const (
	KindRemoteHost      Kind = "remote_host"
	KindUser            Kind = "user"
	KindLabGroup        Kind = "lab_group"
	KindStorageObject   Kind = "storage_object"
	KindReagent         Kind = "reagent"
	KindStoredReagent   Kind = "stored_reagent"
	KindProject         Kind = "project"
	KindProtocol        Kind = "protocol"
	KindSection         Kind = "protocol_section"
	KindStep            Kind = "protocol_step"
	KindRating          Kind = "protocol_rating"
	KindSession         Kind = "session"
	KindFolder          Kind = "annotation_folder"
	KindAnnotation      Kind = "annotation"
	KindInstrument      Kind = "instrument"
	KindInstrumentUsage Kind = "instrument_usage"
	KindTag             Kind = "tag"
	KindProtocolTag     Kind = "protocol_tag"
	KindStepTag         Kind = "step_tag"
	KindMetadataColumn  Kind = "metadata_column"
	KindStepReagent     Kind = "step_reagent"
)

var kindTables = map[Kind]string{
	KindRemoteHost:      "remote_hosts",
	KindUser:            "users",
	KindLabGroup:        "lab_groups",
	KindStorageObject:   "storage_objects",
	KindReagent:         "reagents",
	KindStoredReagent:   "stored_reagents",
	KindProject:         "projects",
	KindProtocol:        "protocols",
	KindSection:         "protocol_sections",
	KindStep:            "protocol_steps",
	KindRating:          "protocol_ratings",
	KindSession:         "sessions",
	KindFolder:          "annotation_folders",
	KindAnnotation:      "annotations",
	KindInstrument:      "instruments",
	KindInstrumentUsage: "instrument_usage",
	KindTag:             "tags",
	KindProtocolTag:     "protocol_tags",
	KindStepTag:         "step_tags",
	KindMetadataColumn:  "metadata_columns",
	KindStepReagent:     "step_reagents",
}

// Table returns the destination table holding entities of this kind.
func (k Kind) Table() string { return kindTables[k] }

// RecordSet returns the archive record set holding entities of this kind.
func (k Kind) RecordSet() string { return recordSetPrefix + kindTables[k] }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTables[k]
	return ok
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// AllKinds returns every known kind, sorted by name.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, len(kindTables))
	for k := range kindTables {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

const recordSetPrefix = "export_"

// Relation is a many-to-many link table between two kinds. From is the owning side:
// a link is only added when the From entity was created by the session.
type Relation struct {
	Name       string
	FromKind   Kind
	FromColumn string
	ToKind     Kind
	ToColumn   string
}

// Table returns the destination link table.
func (r Relation) Table() string { return r.Name }

// RecordSet returns the archive record set holding the links.
func (r Relation) RecordSet() string { return recordSetPrefix + r.Name }

var (
	RelLabGroupMembers     = Relation{"lab_group_members", KindLabGroup, "lab_group_id", KindUser, "user_id"}
	RelStorageAccessGroups = Relation{"storage_access_groups", KindStorageObject, "storage_object_id", KindLabGroup, "lab_group_id"}
	RelProtocolEditors     = Relation{"protocol_editors", KindProtocol, "protocol_id", KindUser, "user_id"}
	RelProtocolViewers     = Relation{"protocol_viewers", KindProtocol, "protocol_id", KindUser, "user_id"}
	RelSessionProtocols    = Relation{"session_protocols", KindSession, "session_id", KindProtocol, "protocol_id"}
	RelSessionEditors      = Relation{"session_editors", KindSession, "session_id", KindUser, "user_id"}
	RelSessionViewers      = Relation{"session_viewers", KindSession, "session_id", KindUser, "user_id"}
	RelProjectSessions     = Relation{"project_sessions", KindSession, "session_id", KindProject, "project_id"}
)

var relations = []Relation{
	RelLabGroupMembers,
	RelStorageAccessGroups,
	RelProtocolEditors,
	RelProtocolViewers,
	RelSessionProtocols,
	RelSessionEditors,
	RelSessionViewers,
	RelProjectSessions,
}

// RelationByName looks up a relation by its ledger name.
func RelationByName(name string) (Relation, bool) {
	for _, r := range relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Relations returns every known relation.
func Relations() []Relation {
	return append([]Relation(nil), relations...)
}
