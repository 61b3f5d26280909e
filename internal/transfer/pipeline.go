package transfer

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// stage is one step of the import pipeline. Kinds run in order, then links, then media.
type stage struct {
	Order int
	Name  string
	Kinds []Kind
	Links []Relation
	Media bool
}

// RecordSets returns the archive record sets the stage reads.
func (s stage) RecordSets() []string {
	var sets []string
	for _, k := range s.Kinds {
		sets = append(sets, k.RecordSet())
	}
	for _, rel := range s.Links {
		sets = append(sets, rel.RecordSet())
	}
	return sets
}

// pipeline is the fixed import order. Later stages resolve references to earlier ones.
var pipeline = []stage{
	{Order: 1, Name: "external hosts and user identities", Kinds: []Kind{KindRemoteHost, KindUser}},
	{Order: 2, Name: "lab groups", Kinds: []Kind{KindLabGroup}, Links: []Relation{RelLabGroupMembers}},
	{Order: 3, Name: "storage locations", Kinds: []Kind{KindStorageObject}, Links: []Relation{RelStorageAccessGroups}},
	{Order: 4, Name: "reagents", Kinds: []Kind{KindReagent}},
	{Order: 5, Name: "stored reagents", Kinds: []Kind{KindStoredReagent}},
	{Order: 6, Name: "projects", Kinds: []Kind{KindProject}},
	{
		Order: 7, Name: "protocols",
		Kinds: []Kind{KindProtocol, KindSection, KindStep, KindRating},
		Links: []Relation{RelProtocolEditors, RelProtocolViewers},
	},
	{
		Order: 8, Name: "sessions",
		Kinds: []Kind{KindSession},
		Links: []Relation{RelSessionProtocols, RelSessionEditors, RelSessionViewers, RelProjectSessions},
	},
	{Order: 9, Name: "annotation folders and annotations", Kinds: []Kind{KindFolder, KindAnnotation}},
	{Order: 10, Name: "instruments and usage", Kinds: []Kind{KindInstrument, KindInstrumentUsage}},
	{Order: 11, Name: "tags and tag links", Kinds: []Kind{KindTag, KindProtocolTag, KindStepTag}},
	{Order: 12, Name: "metadata columns", Kinds: []Kind{KindMetadataColumn}},
	{Order: 13, Name: "media files", Media: true},
	{Order: 14, Name: "cross-links", Kinds: []Kind{KindStepReagent}},
}

// Options holds per-kind inclusion flags. Missing kinds are included.
type Options map[Kind]bool

// ParseOptions validates caller-supplied inclusion flags.
func ParseOptions(raw map[string]bool) (Options, error) {
	opts := make(Options, len(raw))
	for name, include := range raw {
		k, err := ParseKind(name)
		if err != nil {
			return nil, &Error{Code: CodeInvalidRequest, Op: "import.options", Err: err}
		}
		if k == KindUser && !include {
			return nil, Errorf(CodeInvalidRequest, "import.options", "user identities cannot be excluded")
		}
		opts[k] = include
	}
	return opts, nil
}

// Included reports whether kind k takes part in the import.
func (o Options) Included(k Kind) bool {
	if k == KindUser {
		return true
	}
	include, ok := o[k]
	return !ok || include
}

// run is the mutable state of one import session.
type run struct {
	account  int64
	archive  Archive
	manifest Manifest
	policy   NamingPolicy
	options  Options
	ledger   *Ledger
	ids      *IdentityMap
	media    MediaStore
	logger   Logger
	idgen    IDGenerator
	warnings *Warnings
	tx       Tx

	stats        map[Kind]*KindStats
	linksAdded   int
	filesLinked  int
	fileBytes    int64
	converted    int
	materialized []string

	archiveInstruments map[int64]string
	usageByAnnotation  map[int64][]Row
	annotationTypes    map[int64]string
}

func (r *run) kindStats(k Kind) *KindStats {
	st, ok := r.stats[k]
	if !ok {
		st = &KindStats{}
		r.stats[k] = st
	}
	return st
}

// execute runs every stage against tx.
func (r *run) execute(ctx context.Context, tx Tx) error {
	r.tx = tx
	defer func() { r.tx = nil }()

	for _, s := range pipeline {
		r.logger.Info("import stage", "order", s.Order, "stage", s.Name)
		for _, k := range s.Kinds {
			var err error
			if k == KindUser {
				err = r.mapUsers(ctx)
			} else {
				err = r.importEntities(ctx, entityTable[k])
			}
			if err != nil {
				return fmt.Errorf("stage %d (%s): %w", s.Order, s.Name, err)
			}
		}
		for _, rel := range s.Links {
			if err := r.importLinks(ctx, rel); err != nil {
				return fmt.Errorf("stage %d (%s): %w", s.Order, s.Name, err)
			}
		}
		if s.Media {
			if err := r.materializeFiles(ctx); err != nil {
				return fmt.Errorf("stage %d (%s): %w", s.Order, s.Name, err)
			}
		}
	}
	return nil
}

// eachRow iterates one record set, closing the cursor on every path.
func (r *run) eachRow(ctx context.Context, recordSet string, fn func(Row) error) error {
	it, err := r.archive.Rows(ctx, recordSet)
	if err != nil {
		return fmt.Errorf("reading %s: %w", recordSet, err)
	}
	defer it.Close()
	for it.Next() {
		if err := fn(it.Row()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", recordSet, err)
	}
	return nil
}

func (r *run) warn(e *Error) {
	r.warnings.Add("%s", e.Error())
	r.logger.Warn("record warning", "code", e.Code, "kind", e.Kind, "original_id", e.OriginalID, "detail", e.Message)
}

func (r *run) skip(st *KindStats, kind Kind, originalID int64, e *Error) error {
	st.Skipped++
	e.Kind = kind
	e.OriginalID = originalID
	r.warn(e)
	return nil
}

// register makes a created entity visible to later importers and tracks it for revert.
func (r *run) register(ctx context.Context, kind Kind, originalID, newID int64, fields Fields) error {
	if err := r.ids.Put(kind, originalID, Identity{ID: newID}); err != nil {
		return &Error{Code: CodeIntegrityViolation, Op: "import.register", Kind: kind, OriginalID: originalID, Err: err}
	}
	return r.ledger.RecordEntity(ctx, kind, newID, originalID, fields)
}

func (r *run) importEntities(ctx context.Context, e *entity) error {
	if !r.options.Included(e.Kind) {
		r.logger.Debug("kind excluded", "kind", e.Kind)
		return nil
	}
	if e.before != nil {
		if err := e.before(ctx, r); err != nil {
			return err
		}
	}
	st := r.kindStats(e.Kind)
	err := r.eachRow(ctx, e.Kind.RecordSet(), func(row Row) error {
		return r.importRow(ctx, e, st, row)
	})
	if err != nil {
		return err
	}
	if len(e.SelfRefs) > 0 {
		return r.patchSelfRefs(ctx, e)
	}
	return nil
}

func (r *run) importRow(ctx context.Context, e *entity, st *KindStats, row Row) error {
	const op = "import.create"
	originalID, ok := row.Int64("id")
	if !ok {
		st.Skipped++
		r.warn(Errorf(CodeReferenceUnresolved, op, "%s record without an id skipped", e.Kind))
		return nil
	}

	fields := make(Fields, len(e.Columns)+len(e.Bools)+len(e.Refs)+len(e.SelfRefs)+1)
	for _, col := range e.Columns {
		fields[col] = row.Value(col)
	}
	for _, col := range e.Bools {
		fields[col] = row.Bool(col)
	}
	for _, rf := range e.Refs {
		fields[rf.Column] = nil
		target, ok := row.Int64(rf.Column)
		if !ok {
			if rf.Required {
				return r.skip(st, e.Kind, originalID, Errorf(CodeReferenceUnresolved, op, "%s is empty", rf.Column))
			}
			continue
		}
		ident, found := r.ids.Get(rf.Target, target)
		if !found {
			if rf.Required && !r.options.Included(rf.Target) {
				st.Skipped++
				r.logger.Debug("required kind excluded, record skipped", "kind", e.Kind, "original_id", originalID, "excluded", rf.Target)
				return nil
			}
			if rf.Required {
				return r.skip(st, e.Kind, originalID, Errorf(CodeReferenceUnresolved, op, "%s #%d was not imported", rf.Target, target))
			}
			if r.options.Included(rf.Target) {
				w := Errorf(CodeReferenceUnresolved, op, "%s #%d not found, %s left empty", rf.Target, target, rf.Column)
				w.Kind, w.OriginalID = e.Kind, originalID
				r.warn(w)
			}
			continue
		}
		if rf.Parent && ident.Reused {
			st.Skipped++
			r.logger.Debug("parent reused, record skipped", "kind", e.Kind, "original_id", originalID, "parent", rf.Target)
			return nil
		}
		fields[rf.Column] = ident.ID
	}
	for _, col := range e.SelfRefs {
		fields[col] = nil
	}
	if e.Owned {
		fields["owner_id"] = r.account
	}

	if e.prepare != nil {
		soft, err := e.prepare(ctx, r, originalID, row, fields)
		if err != nil {
			return err
		}
		if soft != nil {
			return r.skip(st, e.Kind, originalID, soft)
		}
	}

	if len(e.NaturalKey) > 0 {
		query := IdentityQuery{Kind: e.Kind, Key: make(Fields, len(e.NaturalKey)), NameField: e.NameField}
		for _, col := range e.NaturalKey {
			query.Key[col] = fields[col]
		}
		if e.Owned && !e.GlobalKey {
			owner := r.account
			query.OwnerID = &owner
		}
		existing, found, err := r.policy.ResolveIdentity(ctx, r.tx, query)
		if err != nil {
			return err
		}
		if found {
			if err := r.ids.Put(e.Kind, originalID, Identity{ID: existing, Reused: true}); err != nil {
				return &Error{Code: CodeIntegrityViolation, Op: op, Kind: e.Kind, OriginalID: originalID, Err: err}
			}
			if err := r.ledger.RecordReuse(ctx); err != nil {
				return err
			}
			st.Reused++
			return nil
		}
	}

	if e.NameField != "" {
		name, _ := fields[e.NameField].(string)
		if derived := r.policy.DeriveDisplayName(name); fields[e.NameField] != nil || derived != name {
			fields[e.NameField] = derived
		}
	}

	newID, err := r.tx.InsertEntity(ctx, e.Kind, fields)
	if err != nil {
		return &Error{Code: CodeIntegrityViolation, Op: op, Kind: e.Kind, OriginalID: originalID, Err: err}
	}
	if err := r.register(ctx, e.Kind, originalID, newID, fields); err != nil {
		return err
	}
	st.Created++
	if e.created != nil {
		return e.created(ctx, r, originalID, newID)
	}
	return nil
}

// patchSelfRefs fills self-referencing columns once every record of the kind has an
// identity.
func (r *run) patchSelfRefs(ctx context.Context, e *entity) error {
	const op = "import.patch"
	return r.eachRow(ctx, e.Kind.RecordSet(), func(row Row) error {
		originalID, ok := row.Int64("id")
		if !ok {
			return nil
		}
		ident, found := r.ids.Get(e.Kind, originalID)
		if !found || ident.Reused {
			return nil
		}
		patch := Fields{}
		for _, col := range e.SelfRefs {
			target, ok := row.Int64(col)
			if !ok {
				continue
			}
			t, found := r.ids.Get(e.Kind, target)
			if !found {
				w := Errorf(CodeReferenceUnresolved, op, "%s #%d not found, %s left empty", e.Kind, target, col)
				w.Kind, w.OriginalID = e.Kind, originalID
				r.warn(w)
				continue
			}
			patch[col] = t.ID
		}
		if len(patch) == 0 {
			return nil
		}
		if err := r.tx.UpdateEntity(ctx, e.Kind, ident.ID, patch); err != nil {
			return &Error{Code: CodeIntegrityViolation, Op: op, Kind: e.Kind, OriginalID: originalID, Err: err}
		}
		return nil
	})
}

// mapUsers maps archive users onto destination accounts. The exporting user becomes the
// importing account; users are never created.
func (r *run) mapUsers(ctx context.Context) error {
	st := r.kindStats(KindUser)
	var rows []Row
	err := r.eachRow(ctx, KindUser.RecordSet(), func(row Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return err
	}

	source := r.manifest.SourceUserID
	if source == 0 && len(rows) == 1 {
		source, _ = rows[0].Int64("id")
	}
	if source != 0 {
		if err := r.mapUser(st, source, r.account); err != nil {
			return err
		}
	}

	for _, row := range rows {
		id, ok := row.Int64("id")
		if !ok || id == source || !r.policy.MatchForeignUsers() {
			continue
		}
		username, ok := row.String("username")
		if !ok || username == "" {
			continue
		}
		account, err := r.tx.FindAccountByUsername(ctx, username)
		if err != nil {
			return fmt.Errorf("looking up account %q: %w", username, err)
		}
		if account == nil {
			r.logger.Debug("archive user has no destination account", "user", username)
			continue
		}
		if err := r.mapUser(st, id, account.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) mapUser(st *KindStats, originalID, accountID int64) error {
	if err := r.ids.Put(KindUser, originalID, Identity{ID: accountID, Reused: true}); err != nil {
		return &Error{Code: CodeIntegrityViolation, Op: "import.users", Kind: KindUser, OriginalID: originalID, Err: err}
	}
	st.Reused++
	return nil
}

func (r *run) importLinks(ctx context.Context, rel Relation) error {
	if !r.options.Included(rel.FromKind) || !r.options.Included(rel.ToKind) {
		return nil
	}
	return r.eachRow(ctx, rel.RecordSet(), func(row Row) error {
		fromOrig, ok := row.Int64(rel.FromColumn)
		if !ok {
			return nil
		}
		from, found := r.ids.Get(rel.FromKind, fromOrig)
		if !found || from.Reused {
			return nil
		}
		toOrig, ok := row.Int64(rel.ToColumn)
		if !ok {
			return nil
		}
		to, found := r.ids.Get(rel.ToKind, toOrig)
		if !found {
			r.warn(Errorf(CodeReferenceUnresolved, "import.link", "%s link from %s #%d to %s #%d dropped",
				rel.Name, rel.FromKind, fromOrig, rel.ToKind, toOrig))
			return nil
		}
		return r.link(ctx, rel, from.ID, to.ID)
	})
}

func (r *run) link(ctx context.Context, rel Relation, fromID, toID int64) error {
	added, err := r.tx.Link(ctx, rel, fromID, toID)
	if err != nil {
		return &Error{Code: CodeIntegrityViolation, Op: "import.link", Message: rel.Name, Err: err}
	}
	if !added {
		return nil
	}
	r.linksAdded++
	return r.ledger.RecordRelationship(ctx, rel, fromID, toID)
}

// materializeFiles copies media referenced by created annotations into the media store
// and points the annotations at the copies.
func (r *run) materializeFiles(ctx context.Context) error {
	if !r.options.Included(KindAnnotation) {
		return nil
	}
	return r.eachRow(ctx, KindAnnotation.RecordSet(), func(row Row) error {
		ref, ok := row.String("file")
		if !ok || strings.TrimSpace(ref) == "" {
			return nil
		}
		originalID, _ := row.Int64("id")
		ident, found := r.ids.Get(KindAnnotation, originalID)
		if !found || ident.Reused {
			return nil
		}
		mf, found := r.archive.FindMedia(ref)
		if !found {
			w := Errorf(CodeReferenceUnresolved, "import.media", "file %q not found in archive media", ref)
			w.Kind, w.OriginalID = KindAnnotation, originalID
			r.warn(w)
			return nil
		}

		key := mediaKey(r.ledger.SessionID(), ident.ID, mf.RelPath)
		if err := r.copyMedia(ctx, key, mf); err != nil {
			return err
		}
		if err := r.ledger.RecordFile(ctx, key, mf.RelPath, mf.Size); err != nil {
			return err
		}
		if err := r.tx.UpdateEntity(ctx, KindAnnotation, ident.ID, Fields{"file": key}); err != nil {
			return &Error{Code: CodeIntegrityViolation, Op: "import.media", Kind: KindAnnotation, OriginalID: originalID, Err: err}
		}
		r.filesLinked++
		r.fileBytes += mf.Size
		return nil
	})
}

func (r *run) copyMedia(ctx context.Context, key string, mf MediaFile) error {
	src, err := r.archive.OpenMedia(mf)
	if err != nil {
		return fmt.Errorf("opening media %s: %w", mf.RelPath, err)
	}
	defer src.Close()

	// Tracked before the write so a partial copy is cleaned up as well.
	r.materialized = append(r.materialized, key)
	if err := r.media.Put(ctx, key, src, mf.Size); err != nil {
		return fmt.Errorf("storing media %s: %w", key, err)
	}
	return nil
}

// cleanupFiles removes files copied by a run whose transaction was rolled back.
func (r *run) cleanupFiles(ctx context.Context) {
	for _, key := range r.materialized {
		if _, err := r.media.Delete(ctx, key); err != nil {
			r.logger.Error("removing media after failed import", "key", key, "error", err)
		}
	}
	r.materialized = nil
}

func mediaKey(sessionID string, annotationID int64, relPath string) string {
	return path.Join("annotations", sessionID, strconv.FormatInt(annotationID, 10), path.Base(relPath))
}
