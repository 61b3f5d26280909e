package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const analyzeConcurrency = 4

// AnalyzeRequest describes a dry run. It takes the same selection and policy inputs as
// ImportRequest.
type AnalyzeRequest struct {
	AccountID    int64  `validate:"gt=0"`
	ArchivePath  string `validate:"required"`
	Options      map[string]bool
	Nominations  map[int64]int64
	BulkTransfer bool
}

// Collision is an archive record whose natural key matches an existing destination entity.
type Collision struct {
	Kind       Kind   `json:"kind" yaml:"kind"`
	OriginalID int64  `json:"original_id" yaml:"original_id"`
	Name       string `json:"name" yaml:"name"`
	ExistingID int64  `json:"existing_id" yaml:"existing_id"`
	// Action is "reuse" when the import maps onto the existing entity and "duplicate"
	// when it creates a second one.
	Action string `json:"action" yaml:"action"`
}

// StorageRequirement is one archive storage location that stored reagents need placed.
type StorageRequirement struct {
	OriginalStorageID int64  `json:"original_storage_id" yaml:"original_storage_id"`
	Name              string `json:"name" yaml:"name"`
	StoredReagents    int    `json:"stored_reagents" yaml:"stored_reagents"`
	NominatedID       int64  `json:"nominated_id,omitempty" yaml:"nominated_id,omitempty"`
}

// PlanStep previews one stage of the import.
type PlanStep struct {
	Order      int      `json:"order" yaml:"order"`
	Name       string   `json:"name" yaml:"name"`
	RecordSets []string `json:"record_sets,omitempty" yaml:"record_sets,omitempty"`
	Rows       int      `json:"rows" yaml:"rows"`
	Included   bool     `json:"included" yaml:"included"`
}

// AnalysisReport is the result of a dry run.
type AnalysisReport struct {
	ArchivePath         string               `json:"archive_path" yaml:"archive_path"`
	ArchiveSize         int64                `json:"archive_size" yaml:"archive_size"`
	Policy              string               `json:"policy" yaml:"policy"`
	Manifest            Manifest             `json:"manifest" yaml:"manifest"`
	RecordCounts        map[string]int       `json:"record_counts" yaml:"record_counts"`
	Collisions          []Collision          `json:"collisions" yaml:"collisions"`
	StorageRequirements []StorageRequirement `json:"storage_requirements" yaml:"storage_requirements"`
	SizeStats           MediaStats           `json:"size_stats" yaml:"size_stats"`
	Plan                []PlanStep           `json:"plan" yaml:"plan"`
	Warnings            []string             `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	WarningCount        int                  `json:"warning_count" yaml:"warning_count"`
}

// Analyze previews an import without writing anything. It reads the same record sets in
// the same stage order as Import and checks natural keys against the destination in a
// read-only transaction.
func (e *Engine) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalysisReport, error) {
	const op = "analyze"
	if err := e.validateRequest(op, req); err != nil {
		return nil, err
	}
	opts, err := ParseOptions(req.Options)
	if err != nil {
		return nil, err
	}
	account, err := e.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if account == nil {
		return nil, Errorf(CodeInvalidRequest, op, "account %d does not exist", req.AccountID)
	}

	arc, err := e.opener.Open(ctx, req.ArchivePath)
	if err != nil {
		return nil, err
	}
	defer arc.Close()

	policy := NewNamingPolicy(req.BulkTransfer, e.cfg.Marker, req.Nominations)
	warnings := &Warnings{}
	report := &AnalysisReport{
		ArchivePath: req.ArchivePath,
		ArchiveSize: arc.Size(),
		Policy:      policy.Name(),
		Manifest:    arc.Manifest(),
		SizeStats:   arc.MediaStats(),
	}
	if report.Manifest.Empty() {
		warnings.Add("archive manifest is missing or empty")
	}

	report.RecordCounts, err = countRecordSets(ctx, arc)
	if err != nil {
		return nil, err
	}
	report.Plan = planPreview(report.RecordCounts, report.SizeStats, opts)

	report.Collisions, err = e.findCollisions(ctx, arc, req.AccountID, opts, req.BulkTransfer)
	if err != nil {
		return nil, err
	}

	if opts.Included(KindStoredReagent) {
		report.StorageRequirements, err = storageRequirements(ctx, arc, req.Nominations)
		if err != nil {
			return nil, err
		}
		if !req.BulkTransfer {
			for _, sr := range report.StorageRequirements {
				if sr.NominatedID == 0 {
					warnings.Add("no storage nominated for %q (archive storage #%d); %d stored reagents would be skipped",
						sr.Name, sr.OriginalStorageID, sr.StoredReagents)
				}
			}
		}
	}

	report.Warnings = warnings.Capped(e.cfg.WarningsLimit)
	report.WarningCount = warnings.Len()
	e.logger.Info("analysis completed", "archive", req.ArchivePath, "collisions", len(report.Collisions),
		"storage_requirements", len(report.StorageRequirements), "warnings", report.WarningCount)
	return report, nil
}

// countRecordSets counts rows of every record set the pipeline reads.
func countRecordSets(ctx context.Context, arc Archive) (map[string]int, error) {
	var sets []string
	for _, s := range pipeline {
		sets = append(sets, s.RecordSets()...)
	}

	var mu sync.Mutex
	counts := make(map[string]int, len(sets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(analyzeConcurrency)
	for _, name := range sets {
		g.Go(func() error {
			n, err := arc.CountRows(gctx, name)
			if err != nil {
				return fmt.Errorf("counting %s: %w", name, err)
			}
			mu.Lock()
			counts[name] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

func planPreview(counts map[string]int, media MediaStats, opts Options) []PlanStep {
	plan := make([]PlanStep, 0, len(pipeline))
	for _, s := range pipeline {
		step := PlanStep{Order: s.Order, Name: s.Name, RecordSets: s.RecordSets()}
		for _, k := range s.Kinds {
			if opts.Included(k) {
				step.Included = true
				step.Rows += counts[k.RecordSet()]
			}
		}
		for _, rel := range s.Links {
			if opts.Included(rel.FromKind) && opts.Included(rel.ToKind) {
				step.Rows += counts[rel.RecordSet()]
			}
		}
		if s.Media {
			step.Included = opts.Included(KindAnnotation)
			if step.Included {
				step.Rows = media.TotalFiles
			}
		}
		plan = append(plan, step)
	}
	return plan
}

// findCollisions looks up every keyed archive record the way a user-centric import
// would. In bulk mode the matches are reported as duplicates.
func (e *Engine) findCollisions(ctx context.Context, arc Archive, accountID int64, opts Options, bulk bool) ([]Collision, error) {
	lookup := NewNamingPolicy(false, e.cfg.Marker, nil)
	action := "reuse"
	if bulk {
		action = "duplicate"
	}

	var collisions []Collision
	err := e.store.View(ctx, func(q Querier) error {
		for _, s := range pipeline {
			for _, k := range s.Kinds {
				ent, ok := entityTable[k]
				if !ok || len(ent.NaturalKey) == 0 || !opts.Included(k) {
					continue
				}
				it, err := arc.Rows(ctx, k.RecordSet())
				if err != nil {
					return fmt.Errorf("reading %s: %w", k.RecordSet(), err)
				}
				for it.Next() {
					row := it.Row()
					c, found, err := findCollision(ctx, q, lookup, ent, row, accountID)
					if err != nil {
						it.Close()
						return err
					}
					if found {
						c.Action = action
						collisions = append(collisions, c)
					}
				}
				err = it.Err()
				it.Close()
				if err != nil {
					return fmt.Errorf("reading %s: %w", k.RecordSet(), err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collisions, nil
}

func findCollision(ctx context.Context, q Querier, lookup NamingPolicy, ent *entity, row Row, accountID int64) (Collision, bool, error) {
	originalID, ok := row.Int64("id")
	if !ok {
		return Collision{}, false, nil
	}
	query := IdentityQuery{Kind: ent.Kind, Key: make(Fields, len(ent.NaturalKey)), NameField: ent.NameField}
	for _, col := range ent.NaturalKey {
		query.Key[col] = row.Value(col)
	}
	if ent.Owned && !ent.GlobalKey {
		owner := accountID
		query.OwnerID = &owner
	}
	existing, found, err := lookup.ResolveIdentity(ctx, q, query)
	if err != nil || !found {
		return Collision{}, false, err
	}
	return Collision{
		Kind:       ent.Kind,
		OriginalID: originalID,
		Name:       displayKey(row, ent.NaturalKey),
		ExistingID: existing,
	}, true, nil
}

func displayKey(row Row, cols []string) string {
	var name string
	for i, col := range cols {
		v, _ := row.String(col)
		if i > 0 {
			name += " / "
		}
		name += v
	}
	return name
}

// storageRequirements groups the archive's stored reagents by storage location.
func storageRequirements(ctx context.Context, arc Archive, nominations map[int64]int64) ([]StorageRequirement, error) {
	names := make(map[int64]string)
	if err := eachArchiveRow(ctx, arc, KindStorageObject.RecordSet(), func(row Row) {
		if id, ok := row.Int64("id"); ok {
			names[id], _ = row.String("object_name")
		}
	}); err != nil {
		return nil, err
	}

	counts := make(map[int64]int)
	if err := eachArchiveRow(ctx, arc, KindStoredReagent.RecordSet(), func(row Row) {
		if id, ok := row.Int64("storage_object_id"); ok {
			counts[id]++
		}
	}); err != nil {
		return nil, err
	}

	reqs := make([]StorageRequirement, 0, len(counts))
	for id, n := range counts {
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("storage #%d", id)
		}
		reqs = append(reqs, StorageRequirement{
			OriginalStorageID: id,
			Name:              name,
			StoredReagents:    n,
			NominatedID:       nominations[id],
		})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].OriginalStorageID < reqs[j].OriginalStorageID })
	return reqs, nil
}

func eachArchiveRow(ctx context.Context, arc Archive, recordSet string, fn func(Row)) error {
	it, err := arc.Rows(ctx, recordSet)
	if err != nil {
		return fmt.Errorf("reading %s: %w", recordSet, err)
	}
	defer it.Close()
	for it.Next() {
		fn(it.Row())
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", recordSet, err)
	}
	return nil
}
