package orphan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elmerfds/trafegodns/internal/eventbus"
	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/repository"
)

// fakeDeleter is a Deleter that fails when failID matches the requested
// external ID.
type fakeDeleter struct {
	failID  string
	deleted []string
}

func (d *fakeDeleter) DeleteRecord(ctx context.Context, externalID string) error {
	if externalID == d.failID {
		return errors.New("forced delete failure")
	}
	d.deleted = append(d.deleted, externalID)
	return nil
}

// zonedFakeDeleter additionally reports a zone, mirroring provider.Instance.
type zonedFakeDeleter struct {
	fakeDeleter
	zone string
}

func (d *zonedFakeDeleter) GetZoneName() string { return d.zone }

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening repository: %v", err)
	}
	return repo
}

func seedTracked(t *testing.T, repo *repository.Repository, hostname string) model.TrackedRecord {
	t.Helper()
	tr := model.TrackedRecord{
		ProviderID: "p1",
		ExternalID: "id-" + hostname,
		Record:     model.DesiredRecord{Type: model.TypeA, Name: hostname, Content: "10.0.0.1", TTL: 300},
		Source:     model.SourceProxy,
		Managed:    true,
	}
	if err := repo.Upsert(tr); err != nil {
		t.Fatalf("seeding tracked record: %v", err)
	}
	return tr
}

func TestCoordinatorMarksNewlyOrphaned(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)

	results := c.Run(context.Background(), "p1", &fakeDeleter{}, map[string]struct{}{}, nil, time.Now(), 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomeMarked {
		t.Fatalf("expected one MARKED outcome, got %+v", results)
	}

	tracked := repo.ListByProvider("p1", "")
	if tracked[0].OrphanedAt == nil {
		t.Fatal("expected OrphanedAt to be set after marking")
	}
}

func TestCoordinatorDoesNotDeleteInSamePassItWasMarked(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)
	deleter := &fakeDeleter{}

	results := c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, time.Now(), 0)
	if len(results) != 1 || results[0].Outcome != OutcomeMarked {
		t.Fatalf("expected MARKED on first pass even with zero grace period, got %+v", results)
	}
	if len(deleter.deleted) != 0 {
		t.Fatalf("expected no deletion on the marking pass, got %+v", deleter.deleted)
	}
}

func TestCoordinatorDeletesAfterGraceElapsedOnSubsequentPass(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)
	deleter := &fakeDeleter{}

	start := time.Now()
	c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, start, 15*time.Minute)

	later := start.Add(20 * time.Minute)
	results := c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, later, 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomeDeleted {
		t.Fatalf("expected DELETED on the second pass once grace elapsed, got %+v", results)
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != "id-web.example.com" {
		t.Fatalf("expected the deleter to be invoked, got %+v", deleter.deleted)
	}
	if len(repo.ListByProvider("p1", "")) != 0 {
		t.Fatal("expected the tracked record to be removed after deletion")
	}
}

func TestCoordinatorLeavesOrphanedWithinGracePeriod(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)
	deleter := &fakeDeleter{}

	start := time.Now()
	c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, start, 15*time.Minute)

	soon := start.Add(5 * time.Minute)
	results := c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, soon, 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomeUnchanged {
		t.Fatalf("expected UNCHANGED while still within grace, got %+v", results)
	}
}

func TestCoordinatorReactivatesWhenHostnameReturns(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)
	deleter := &fakeDeleter{}

	start := time.Now()
	c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, start, 15*time.Minute)

	active := map[string]struct{}{"web.example.com": {}}
	results := c.Run(context.Background(), "p1", deleter, active, nil, start.Add(time.Minute), 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomeReactivated {
		t.Fatalf("expected REACTIVATED once the hostname reappears, got %+v", results)
	}
	if repo.ListByProvider("p1", "")[0].OrphanedAt != nil {
		t.Fatal("expected OrphanedAt cleared after reactivation")
	}
}

func TestCoordinatorLeavesActiveHostnameUnchanged(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)

	active := map[string]struct{}{"web.example.com": {}}
	results := c.Run(context.Background(), "p1", &fakeDeleter{}, active, nil, time.Now(), 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomeUnchanged {
		t.Fatalf("expected UNCHANGED for an active hostname, got %+v", results)
	}
}

func TestCoordinatorPreservesMatchingPatternWhileActive(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)

	preserved := []model.PreservedPattern{"web.example.com"}
	results := c.Run(context.Background(), "p1", &fakeDeleter{}, map[string]struct{}{}, preserved, time.Now(), 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomePreserved {
		t.Fatalf("expected PRESERVED for a matching pattern, got %+v", results)
	}
}

func TestCoordinatorPreservedClearsExistingOrphan(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)
	deleter := &fakeDeleter{}

	start := time.Now()
	c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, start, 15*time.Minute)

	preserved := []model.PreservedPattern{"*.example.com"}
	results := c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, preserved, start.Add(time.Minute), 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomePreserved {
		t.Fatalf("expected PRESERVED once a pattern matches an orphaned record, got %+v", results)
	}
	if repo.ListByProvider("p1", "")[0].OrphanedAt != nil {
		t.Fatal("expected OrphanedAt cleared when a preserved pattern newly matches")
	}
}

func TestCoordinatorRetriesAfterDeleteFailure(t *testing.T) {
	repo := newTestRepo(t)
	seedTracked(t, repo, "web.example.com")
	bus := eventbus.New()
	c := New(repo, bus)
	deleter := &fakeDeleter{failID: "id-web.example.com"}

	start := time.Now()
	c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, start, 15*time.Minute)

	later := start.Add(20 * time.Minute)
	results := c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, later, 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomeDeleteFailed {
		t.Fatalf("expected DELETE_FAILED when the backend errors, got %+v", results)
	}
	if len(repo.ListByProvider("p1", "")) != 1 {
		t.Fatal("expected the tracked record to be retained for the next pass after a delete failure")
	}
}

func TestCoordinatorIgnoresUnmanagedAndNonProxyRecords(t *testing.T) {
	repo := newTestRepo(t)
	unmanaged := model.TrackedRecord{
		ProviderID: "p1", ExternalID: "id-unmanaged",
		Record: model.DesiredRecord{Type: model.TypeA, Name: "static.example.com", Content: "10.0.0.2", TTL: 300},
		Source: model.SourceProxy, Managed: false,
	}
	apiRecord := model.TrackedRecord{
		ProviderID: "p1", ExternalID: "id-api",
		Record: model.DesiredRecord{Type: model.TypeA, Name: "api-managed.example.com", Content: "10.0.0.3", TTL: 300},
		Source: model.SourceAPI, Managed: true,
	}
	if err := repo.Upsert(unmanaged); err != nil {
		t.Fatalf("seeding unmanaged record: %v", err)
	}
	if err := repo.Upsert(apiRecord); err != nil {
		t.Fatalf("seeding api record: %v", err)
	}
	bus := eventbus.New()
	c := New(repo, bus)

	results := c.Run(context.Background(), "p1", &fakeDeleter{}, map[string]struct{}{}, nil, time.Now(), 15*time.Minute)
	if len(results) != 0 {
		t.Fatalf("expected unmanaged and non-proxy/direct records to be skipped entirely, got %+v", results)
	}
}

func TestZoneOfFallsBackToEmptyWithoutZoneNamer(t *testing.T) {
	if got := zoneOf(&fakeDeleter{}); got != "" {
		t.Fatalf("expected empty zone for a deleter without GetZoneName, got %q", got)
	}
	zoned := &zonedFakeDeleter{zone: "example.com"}
	if got := zoneOf(zoned); got != "example.com" {
		t.Fatalf("expected zoneOf to use GetZoneName when available, got %q", got)
	}
}

func TestCoordinatorDeletesReportZoneWhenDeleterProvidesOne(t *testing.T) {
	repo := newTestRepo(t)
	tr := seedTracked(t, repo, "stale.example.com")
	past := time.Now().Add(-time.Hour)
	if err := repo.MarkOrphan(tr.Key(), past.Unix()); err != nil {
		t.Fatalf("marking orphan: %v", err)
	}
	bus := eventbus.New()
	c := New(repo, bus)

	deleter := &zonedFakeDeleter{zone: "example.com"}
	results := c.Run(context.Background(), "p1", deleter, map[string]struct{}{}, nil, time.Now(), 15*time.Minute)
	if len(results) != 1 || results[0].Outcome != OutcomeDeleted {
		t.Fatalf("expected one DELETED outcome, got %+v", results)
	}
	if len(deleter.deleted) != 1 {
		t.Fatalf("expected DeleteRecord to be called once, got %v", deleter.deleted)
	}
}
