package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

// testStore opens an initialized store in a temp directory
func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func testMapping(crmID int64, listID string) *model.TaskMapping {
	return &model.TaskMapping{
		CRMTaskID:     crmID,
		ListTaskID:    listID,
		CRMPersonID:   7,
		CRMDealID:     42,
		ListProjectID: "proj-sales",
		Origin:        model.OriginCRM,
		Status:        model.StatusSynced,
		CRMUpdatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ListUpdatedAt: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC),
	}
}

// TestInitSchema_Idempotent tests that schema initialization can run twice
func TestInitSchema_Idempotent(t *testing.T) {
	s := testStore(t)

	if err := s.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestCreateMapping_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateMapping(ctx, testMapping(501, "list-abc"))
	if err != nil {
		t.Fatalf("CreateMapping() failed: %v", err)
	}
	if id == 0 {
		t.Fatal("CreateMapping() returned zero id")
	}

	got, err := s.GetMapping(ctx, id)
	if err != nil {
		t.Fatalf("GetMapping() failed: %v", err)
	}

	if got.CRMTaskID != 501 {
		t.Errorf("CRMTaskID = %d, want 501", got.CRMTaskID)
	}
	if got.ListTaskID != "list-abc" {
		t.Errorf("ListTaskID = %q, want %q", got.ListTaskID, "list-abc")
	}
	if got.Status != model.StatusSynced {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusSynced)
	}
	if !got.CRMUpdatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("CRMUpdatedAt = %v, not preserved", got.CRMUpdatedAt)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("CreatedAt/UpdatedAt not populated")
	}
}

func TestMapping_WatermarkSubsecondPrecision(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// The list manager reports fractional-second timestamps; the stored
	// watermark must compare Equal to the observed value or the echo
	// guard never fires.
	crmTS := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	listTS := time.Date(2026, 3, 1, 12, 0, 5, 500000000, time.UTC)

	m := testMapping(501, "list-abc")
	m.CRMUpdatedAt = crmTS
	m.ListUpdatedAt = listTS

	id, err := s.CreateMapping(ctx, m)
	if err != nil {
		t.Fatalf("CreateMapping() failed: %v", err)
	}

	got, err := s.GetMapping(ctx, id)
	if err != nil {
		t.Fatalf("GetMapping() failed: %v", err)
	}
	if !got.CRMUpdatedAt.Equal(crmTS) {
		t.Errorf("CRMUpdatedAt = %v, want %v", got.CRMUpdatedAt, crmTS)
	}
	if !got.ListUpdatedAt.Equal(listTS) {
		t.Errorf("ListUpdatedAt = %v, want %v", got.ListUpdatedAt, listTS)
	}

	// Same precision through the update path.
	bumped := crmTS.Add(750 * time.Millisecond)
	if err := s.UpdateMapping(ctx, id, model.MappingUpdate{
		CRMUpdatedAt: model.TimePtr(bumped),
	}); err != nil {
		t.Fatalf("UpdateMapping() failed: %v", err)
	}
	got, err = s.GetMapping(ctx, id)
	if err != nil {
		t.Fatalf("GetMapping() failed: %v", err)
	}
	if !got.CRMUpdatedAt.Equal(bumped) {
		t.Errorf("updated CRMUpdatedAt = %v, want %v", got.CRMUpdatedAt, bumped)
	}
}

func TestCreateMapping_DuplicateCRMID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.CreateMapping(ctx, testMapping(501, "list-a")); err != nil {
		t.Fatalf("first CreateMapping() failed: %v", err)
	}

	_, err := s.CreateMapping(ctx, testMapping(501, "list-b"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate crm id: err = %v, want ErrConflict", err)
	}
}

func TestCreateMapping_DuplicateListID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.CreateMapping(ctx, testMapping(501, "list-a")); err != nil {
		t.Fatalf("first CreateMapping() failed: %v", err)
	}

	_, err := s.CreateMapping(ctx, testMapping(502, "list-a"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate list id: err = %v, want ErrConflict", err)
	}
}

func TestFindMapping_ByEitherSide(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateMapping(ctx, testMapping(501, "list-abc"))
	if err != nil {
		t.Fatalf("CreateMapping() failed: %v", err)
	}

	byCRM, err := s.FindMappingByCRMID(ctx, 501)
	if err != nil {
		t.Fatalf("FindMappingByCRMID() failed: %v", err)
	}
	if byCRM.ID != id {
		t.Errorf("FindMappingByCRMID id = %d, want %d", byCRM.ID, id)
	}

	byList, err := s.FindMappingByListID(ctx, "list-abc")
	if err != nil {
		t.Fatalf("FindMappingByListID() failed: %v", err)
	}
	if byList.ID != id {
		t.Errorf("FindMappingByListID id = %d, want %d", byList.ID, id)
	}
}

func TestFindMapping_NotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.FindMappingByCRMID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindMappingByCRMID(999) err = %v, want ErrNotFound", err)
	}
	if _, err := s.FindMappingByListID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindMappingByListID err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMapping(ctx, 12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMapping err = %v, want ErrNotFound", err)
	}
}

func TestUpdateMapping_PartialFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateMapping(ctx, testMapping(501, "list-abc"))
	if err != nil {
		t.Fatalf("CreateMapping() failed: %v", err)
	}

	newWatermark := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	err = s.UpdateMapping(ctx, id, model.MappingUpdate{
		Status:       model.StatusPtr(model.StatusError),
		CRMUpdatedAt: model.TimePtr(newWatermark),
	})
	if err != nil {
		t.Fatalf("UpdateMapping() failed: %v", err)
	}

	got, err := s.GetMapping(ctx, id)
	if err != nil {
		t.Fatalf("GetMapping() failed: %v", err)
	}
	if got.Status != model.StatusError {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusError)
	}
	if !got.CRMUpdatedAt.Equal(newWatermark) {
		t.Errorf("CRMUpdatedAt = %v, want %v", got.CRMUpdatedAt, newWatermark)
	}
	// Untouched fields survive a partial update
	if !got.ListUpdatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)) {
		t.Errorf("ListUpdatedAt = %v, should be unchanged", got.ListUpdatedAt)
	}
}

func TestUpdateMapping_NotFound(t *testing.T) {
	s := testStore(t)

	err := s.UpdateMapping(context.Background(), 4242, model.MappingUpdate{
		Status: model.StatusPtr(model.StatusSynced),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateMapping(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCountMappingsByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m1 := testMapping(1, "a")
	m2 := testMapping(2, "b")
	m2.Status = model.StatusError
	m3 := testMapping(3, "c")

	for _, m := range []*model.TaskMapping{m1, m2, m3} {
		if _, err := s.CreateMapping(ctx, m); err != nil {
			t.Fatalf("CreateMapping() failed: %v", err)
		}
	}

	counts, err := s.CountMappingsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountMappingsByStatus() failed: %v", err)
	}
	if counts[model.StatusSynced] != 2 {
		t.Errorf("synced count = %d, want 2", counts[model.StatusSynced])
	}
	if counts[model.StatusError] != 1 {
		t.Errorf("error count = %d, want 1", counts[model.StatusError])
	}
}

func TestCursor_GetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.GetCursor(context.Background(), model.CursorCRMChangedSince)
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if val != "" {
		t.Errorf("missing cursor = %q, want empty", val)
	}
}

func TestCursor_SetAndOverwrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetCursor(ctx, model.CursorListSyncToken, "tok-1"); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}
	if err := s.SetCursor(ctx, model.CursorListSyncToken, "tok-2"); err != nil {
		t.Fatalf("second SetCursor() failed: %v", err)
	}

	val, err := s.GetCursor(ctx, model.CursorListSyncToken)
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if val != "tok-2" {
		t.Errorf("cursor = %q, want tok-2", val)
	}

	cursors, err := s.ListCursors(ctx)
	if err != nil {
		t.Fatalf("ListCursors() failed: %v", err)
	}
	if len(cursors) != 1 {
		t.Errorf("ListCursors() returned %d rows, want 1", len(cursors))
	}
}

func TestAudit_AppendAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &model.AuditEntry{
			Timestamp:  time.Now().UTC(),
			Direction:  model.DirectionCRMToList,
			Action:     model.AuditActionCreate,
			CRMTaskID:  int64(100 + i),
			ListTaskID: "list-x",
			Outcome:    model.AuditOK,
		}
		if err := s.AppendAudit(ctx, entry); err != nil {
			t.Fatalf("AppendAudit() failed: %v", err)
		}
	}

	recent, err := s.RecentAudit(ctx, 2)
	if err != nil {
		t.Fatalf("RecentAudit() failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentAudit(2) returned %d entries", len(recent))
	}
	// Newest first
	if recent[0].CRMTaskID != 102 {
		t.Errorf("recent[0].CRMTaskID = %d, want 102", recent[0].CRMTaskID)
	}

	counts, err := s.CountAuditByOutcome(ctx)
	if err != nil {
		t.Fatalf("CountAuditByOutcome() failed: %v", err)
	}
	if counts[model.AuditOK] != 3 {
		t.Errorf("ok count = %d, want 3", counts[model.AuditOK])
	}
}

func TestPruneAuditLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := &model.AuditEntry{
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Direction: model.DirectionListToCRM,
		Action:    model.AuditActionComplete,
		CRMTaskID: 1,
		Outcome:   model.AuditOK,
	}
	fresh := &model.AuditEntry{
		Timestamp: time.Now().UTC(),
		Direction: model.DirectionListToCRM,
		Action:    model.AuditActionComplete,
		CRMTaskID: 2,
		Outcome:   model.AuditOK,
	}
	if err := s.AppendAudit(ctx, old); err != nil {
		t.Fatalf("AppendAudit(old) failed: %v", err)
	}
	if err := s.AppendAudit(ctx, fresh); err != nil {
		t.Fatalf("AppendAudit(fresh) failed: %v", err)
	}

	n, err := s.PruneAuditLog(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneAuditLog() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d entries, want 1", n)
	}

	recent, err := s.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAudit() failed: %v", err)
	}
	if len(recent) != 1 || recent[0].CRMTaskID != 2 {
		t.Errorf("surviving entries = %+v, want only crm task 2", recent)
	}
}

func TestRoutingRules_ReplaceAndLookup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rules := []model.RoutingRule{
		{PipelineID: 1, StageID: 10, ListProjectID: "proj-early"},
		{PipelineID: 1, StageID: 20, ListProjectID: "proj-late"},
	}
	if err := s.ReplaceRoutingRules(ctx, rules); err != nil {
		t.Fatalf("ReplaceRoutingRules() failed: %v", err)
	}

	proj, err := s.LookupRoutingRule(ctx, 1, 20)
	if err != nil {
		t.Fatalf("LookupRoutingRule() failed: %v", err)
	}
	if proj != "proj-late" {
		t.Errorf("project = %q, want proj-late", proj)
	}

	if _, err := s.LookupRoutingRule(ctx, 9, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("unmatched lookup err = %v, want ErrNotFound", err)
	}

	// Replacing drops rules not in the new set
	if err := s.ReplaceRoutingRules(ctx, rules[:1]); err != nil {
		t.Fatalf("second ReplaceRoutingRules() failed: %v", err)
	}
	if _, err := s.LookupRoutingRule(ctx, 1, 20); !errors.Is(err, ErrNotFound) {
		t.Errorf("dropped rule still resolves, err = %v", err)
	}
}

func TestDealCache_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetCachedDeal(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty cache err = %v, want ErrNotFound", err)
	}

	deal := &model.DealContext{
		DealID:     42,
		PipelineID: 1,
		StageID:    10,
		PersonID:   7,
		Title:      "Acme renewal",
		FetchedAt:  time.Now().UTC(),
	}
	if err := s.PutCachedDeal(ctx, deal); err != nil {
		t.Fatalf("PutCachedDeal() failed: %v", err)
	}

	got, err := s.GetCachedDeal(ctx, 42)
	if err != nil {
		t.Fatalf("GetCachedDeal() failed: %v", err)
	}
	if got.StageID != 10 || got.Title != "Acme renewal" {
		t.Errorf("cached deal = %+v", got)
	}

	// Upsert moves the deal to a new stage
	deal.StageID = 20
	if err := s.PutCachedDeal(ctx, deal); err != nil {
		t.Fatalf("PutCachedDeal(update) failed: %v", err)
	}
	got, err = s.GetCachedDeal(ctx, 42)
	if err != nil {
		t.Fatalf("GetCachedDeal() failed: %v", err)
	}
	if got.StageID != 20 {
		t.Errorf("StageID = %d after upsert, want 20", got.StageID)
	}

	ids, err := s.ListCachedDealIDs(ctx)
	if err != nil {
		t.Fatalf("ListCachedDealIDs() failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != 42 {
		t.Errorf("cached ids = %v, want [42]", ids)
	}
}
