package transfer

import (
	"context"
	"fmt"
	"strings"
)

const (
	annotationTypeText       = "text"
	annotationTypeInstrument = "instrument"
	convertedSuffix          = " (converted from instrument)"
)

// ref is a foreign key column pointing at another kind.
type ref struct {
	Column   string
	Target   Kind
	Required bool // the record is skipped when the target cannot be resolved
	Parent   bool // the record is skipped when the target was reused; it already has its children
}

// entity describes how one kind is copied from the archive into the destination.
type entity struct {
	Kind       Kind
	Columns    []string // copied as-is
	Bools      []string // copied and normalized to booleans
	Refs       []ref
	SelfRefs   []string // patched in a second pass once every record of the kind exists
	NameField  string   // display name receiving the foreign-origin marker
	NaturalKey []string
	Owned      bool // owner_id is set to the importing account
	GlobalKey  bool // natural key is matched across all owners

	before  func(ctx context.Context, r *run) error
	prepare func(ctx context.Context, r *run, originalID int64, row Row, fields Fields) (*Error, error)
	created func(ctx context.Context, r *run, originalID, newID int64) error
}

var entityTable map[Kind]*entity

func init() {
	defs := []*entity{
		{
			Kind:       KindRemoteHost,
			Columns:    []string{"host_name", "host_port", "host_protocol", "host_description"},
			NaturalKey: []string{"host_name", "host_port"},
		},
		{
			Kind:       KindLabGroup,
			Columns:    []string{"name", "description"},
			Bools:      []string{"is_professional"},
			Refs:       []ref{{Column: "remote_host_id", Target: KindRemoteHost}},
			NameField:  "name",
			NaturalKey: []string{"name"},
			Owned:      true,
			created:    addImporterToGroup,
		},
		{
			Kind:       KindStorageObject,
			Columns:    []string{"object_name", "object_type", "object_description"},
			Bools:      []string{"can_delete"},
			Refs:       []ref{{Column: "remote_host_id", Target: KindRemoteHost}},
			SelfRefs:   []string{"stored_at_id"},
			NameField:  "object_name",
			NaturalKey: []string{"object_name"},
			Owned:      true,
		},
		{
			Kind:       KindReagent,
			Columns:    []string{"name", "unit"},
			NaturalKey: []string{"name", "unit"},
		},
		{
			Kind:    KindStoredReagent,
			Columns: []string{"quantity", "notes", "barcode", "expiration_date"},
			Bools:   []string{"shareable"},
			Refs:    []ref{{Column: "reagent_id", Target: KindReagent, Required: true}},
			Owned:   true,
			prepare: placeStoredReagent,
		},
		{
			Kind:       KindProject,
			Columns:    []string{"project_name", "project_description"},
			Refs:       []ref{{Column: "remote_host_id", Target: KindRemoteHost}},
			NameField:  "project_name",
			NaturalKey: []string{"project_name"},
			Owned:      true,
		},
		{
			Kind:       KindProtocol,
			Columns:    []string{"protocol_title", "protocol_description", "protocol_url"},
			Bools:      []string{"enabled"},
			Refs:       []ref{{Column: "remote_host_id", Target: KindRemoteHost}},
			NameField:  "protocol_title",
			NaturalKey: []string{"protocol_title"},
			Owned:      true,
		},
		{
			Kind:    KindSection,
			Columns: []string{"section_description", "section_duration"},
			Refs:    []ref{{Column: "protocol_id", Target: KindProtocol, Required: true, Parent: true}},
		},
		{
			Kind:    KindStep,
			Columns: []string{"step_description", "step_duration"},
			Refs: []ref{
				{Column: "protocol_id", Target: KindProtocol, Required: true, Parent: true},
				{Column: "step_section_id", Target: KindSection},
			},
			SelfRefs: []string{"previous_step_id", "branch_from_id"},
		},
		{
			Kind:    KindRating,
			Columns: []string{"complexity_rating", "duration_rating"},
			Refs: []ref{
				{Column: "protocol_id", Target: KindProtocol, Required: true, Parent: true},
				{Column: "user_id", Target: KindUser},
			},
		},
		{
			Kind:       KindSession,
			Columns:    []string{"name", "started_at", "ended_at"},
			Bools:      []string{"enabled"},
			NameField:  "name",
			NaturalKey: []string{"name"},
			Owned:      true,
			prepare:    assignSessionUniqueID,
		},
		{
			Kind:      KindFolder,
			Columns:   []string{"folder_name"},
			Refs:      []ref{{Column: "session_id", Target: KindSession, Parent: true}},
			SelfRefs:  []string{"parent_folder_id"},
			NameField: "folder_name",
			Owned:     true,
		},
		{
			Kind:    KindAnnotation,
			Columns: []string{"annotation", "annotation_type", "annotation_name", "transcription", "summary"},
			Bools:   []string{"transcribed", "scratched"},
			Refs: []ref{
				{Column: "session_id", Target: KindSession, Parent: true},
				{Column: "step_id", Target: KindStep},
				{Column: "folder_id", Target: KindFolder},
				{Column: "stored_reagent_id", Target: KindStoredReagent},
			},
			Owned:   true,
			before:  loadInstrumentContext,
			prepare: prepareAnnotation,
		},
		{
			Kind:       KindInstrument,
			Columns:    []string{"instrument_name", "instrument_description"},
			Bools:      []string{"enabled"},
			NameField:  "instrument_name",
			NaturalKey: []string{"instrument_name"},
			Owned:      true,
			GlobalKey:  true,
		},
		{
			Kind:    KindInstrumentUsage,
			Columns: []string{"time_started", "time_ended", "description"},
			Refs: []ref{
				{Column: "instrument_id", Target: KindInstrument, Required: true},
				{Column: "annotation_id", Target: KindAnnotation, Required: true, Parent: true},
			},
			Owned:   true,
			prepare: requireInstrumentAnnotation,
		},
		{
			Kind:       KindTag,
			Columns:    []string{"tag"},
			NaturalKey: []string{"tag"},
		},
		{
			Kind: KindProtocolTag,
			Refs: []ref{
				{Column: "protocol_id", Target: KindProtocol, Required: true, Parent: true},
				{Column: "tag_id", Target: KindTag, Required: true},
			},
		},
		{
			Kind: KindStepTag,
			Refs: []ref{
				{Column: "step_id", Target: KindStep, Required: true, Parent: true},
				{Column: "tag_id", Target: KindTag, Required: true},
			},
		},
		{
			Kind:    KindMetadataColumn,
			Columns: []string{"name", "type", "value", "column_position"},
			Bools:   []string{"mandatory", "hidden"},
			Refs: []ref{
				{Column: "stored_reagent_id", Target: KindStoredReagent, Parent: true},
				{Column: "instrument_id", Target: KindInstrument, Parent: true},
				{Column: "protocol_id", Target: KindProtocol, Parent: true},
			},
			prepare: requireMetadataTarget,
		},
		{
			Kind:    KindStepReagent,
			Columns: []string{"quantity", "scalable_factor"},
			Bools:   []string{"scalable"},
			Refs: []ref{
				{Column: "step_id", Target: KindStep, Required: true, Parent: true},
				{Column: "reagent_id", Target: KindReagent, Required: true},
			},
		},
	}

	entityTable = make(map[Kind]*entity, len(defs))
	for _, d := range defs {
		entityTable[d.Kind] = d
	}
}

func addImporterToGroup(ctx context.Context, r *run, _ int64, groupID int64) error {
	return r.link(ctx, RelLabGroupMembers, groupID, r.account)
}

func placeStoredReagent(ctx context.Context, r *run, _ int64, row Row, fields Fields) (*Error, error) {
	storage, ok := row.Int64("storage_object_id")
	if !ok {
		return Errorf(CodeStorageUnavailable, "import.stored_reagent", "no storage location recorded"), nil
	}
	dest, soft, err := r.policy.PlaceStoredReagent(ctx, r.tx, r.account, storage, r.ids)
	if err != nil || soft != nil {
		return soft, err
	}
	fields["storage_object_id"] = dest
	return nil, nil
}

func assignSessionUniqueID(_ context.Context, r *run, _ int64, _ Row, fields Fields) (*Error, error) {
	fields["unique_id"] = r.idgen.New()
	return nil, nil
}

// loadInstrumentContext indexes the archive's instruments and usage rows so annotations
// can tell whether their instrument will be imported.
func loadInstrumentContext(ctx context.Context, r *run) error {
	r.archiveInstruments = make(map[int64]string)
	r.usageByAnnotation = make(map[int64][]Row)
	err := r.eachRow(ctx, KindInstrument.RecordSet(), func(row Row) error {
		if id, ok := row.Int64("id"); ok {
			name, _ := row.String("instrument_name")
			r.archiveInstruments[id] = name
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.eachRow(ctx, KindInstrumentUsage.RecordSet(), func(row Row) error {
		if annotation, ok := row.Int64("annotation_id"); ok {
			r.usageByAnnotation[annotation] = append(r.usageByAnnotation[annotation], row)
		}
		return nil
	})
}

func prepareAnnotation(_ context.Context, r *run, originalID int64, _ Row, fields Fields) (*Error, error) {
	fields["file"] = nil
	typ, _ := fields["annotation_type"].(string)
	if typ == "" {
		typ = annotationTypeText
		fields["annotation_type"] = typ
	}
	if typ == annotationTypeInstrument && r.policy.ConvertOrphanInstrumentAnnotations() && !r.instrumentAvailable(originalID) {
		convertInstrumentAnnotation(fields, r.usageByAnnotation[originalID], r.archiveInstruments)
		r.converted++
		r.logger.Info("instrument annotation converted to text", "annotation", originalID)
	}
	r.annotationTypes[originalID], _ = fields["annotation_type"].(string)
	return nil, nil
}

// instrumentAvailable reports whether any instrument used by the annotation will be imported.
func (r *run) instrumentAvailable(annotationID int64) bool {
	if !r.options.Included(KindInstrument) {
		return false
	}
	for _, usage := range r.usageByAnnotation[annotationID] {
		id, ok := usage.Int64("instrument_id")
		if !ok {
			continue
		}
		if _, ok := r.archiveInstruments[id]; ok {
			return true
		}
	}
	return false
}

// convertInstrumentAnnotation rewrites an instrument annotation as a text annotation,
// appending the usage details it would otherwise lose.
func convertInstrumentAnnotation(fields Fields, usages []Row, instruments map[int64]string) {
	text, _ := fields["annotation"].(string)
	var b strings.Builder
	b.WriteString(text)
	if text != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Instrument usage:")
	if len(usages) == 0 {
		b.WriteString("\n- no usage recorded")
	}
	for _, u := range usages {
		instrumentID, _ := u.Int64("instrument_id")
		name := instruments[instrumentID]
		if name == "" {
			name = fmt.Sprintf("instrument #%d", instrumentID)
		}
		fmt.Fprintf(&b, "\n- Instrument: %s", name)
		if v, ok := u.String("time_started"); ok && v != "" {
			fmt.Fprintf(&b, "; started: %s", v)
		}
		if v, ok := u.String("time_ended"); ok && v != "" {
			fmt.Fprintf(&b, "; ended: %s", v)
		}
		if v, ok := u.String("description"); ok && v != "" {
			fmt.Fprintf(&b, "; notes: %s", v)
		}
	}
	fields["annotation"] = b.String()
	fields["annotation_type"] = annotationTypeText

	name, _ := fields["annotation_name"].(string)
	if name == "" {
		name = "Instrument annotation"
	}
	if !strings.HasSuffix(name, convertedSuffix) {
		name += convertedSuffix
	}
	fields["annotation_name"] = name
}

func requireInstrumentAnnotation(_ context.Context, r *run, _ int64, row Row, _ Fields) (*Error, error) {
	annotation, _ := row.Int64("annotation_id")
	if r.annotationTypes[annotation] != annotationTypeInstrument {
		return Errorf(CodeReferenceUnresolved, "import.instrument_usage", "annotation #%d is not an instrument annotation", annotation), nil
	}
	return nil, nil
}

func requireMetadataTarget(_ context.Context, _ *run, _ int64, _ Row, fields Fields) (*Error, error) {
	for _, col := range []string{"stored_reagent_id", "instrument_id", "protocol_id"} {
		if fields[col] != nil {
			return nil, nil
		}
	}
	return Errorf(CodeReferenceUnresolved, "import.metadata_column", "no importable stored reagent, instrument or protocol"), nil
}
