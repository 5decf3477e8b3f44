package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/elmerfds/trafegodns/internal/model"
)

// fakeBackend is an in-memory Backend used to exercise BatchEnsureRecords
// without a real provider SDK.
type fakeBackend struct {
	zone       string
	records    map[string]model.ProviderRecord // keyed by ExternalID
	nextID     int
	failCreate model.ErrorKind // non-empty: every CreateRecord call fails with this kind
	failUpdate model.ErrorKind
}

func newFakeBackend(zone string) *fakeBackend {
	return &fakeBackend{zone: zone, records: map[string]model.ProviderRecord{}}
}

func (f *fakeBackend) Init(ctx context.Context, credentials map[string]string) error { return nil }
func (f *fakeBackend) GetZoneName() string                                           { return f.zone }

func (f *fakeBackend) ListRecords(ctx context.Context) ([]model.ProviderRecord, error) {
	out := make([]model.ProviderRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeBackend) CreateRecord(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, error) {
	if f.failCreate != "" {
		return model.ProviderRecord{}, model.NewError(f.failCreate, "forced create failure", errors.New("fake"))
	}
	f.nextID++
	pr := model.ProviderRecord{DesiredRecord: d, ExternalID: fmt.Sprintf("id-%d", f.nextID)}
	f.records[pr.ExternalID] = pr
	return pr, nil
}

func (f *fakeBackend) UpdateRecord(ctx context.Context, externalID string, d model.DesiredRecord) (model.ProviderRecord, error) {
	if f.failUpdate != "" {
		return model.ProviderRecord{}, model.NewError(f.failUpdate, "forced update failure", errors.New("fake"))
	}
	pr := model.ProviderRecord{DesiredRecord: d, ExternalID: externalID}
	f.records[externalID] = pr
	return pr, nil
}

func (f *fakeBackend) DeleteRecord(ctx context.Context, externalID string) error {
	if _, ok := f.records[externalID]; !ok {
		return model.NewError(model.KindNotFound, "no such record", nil)
	}
	delete(f.records, externalID)
	return nil
}

func newTestInstance(backend Backend) *Instance {
	return New("p1", "test", TypeTechnitium, "example.com", true, backend)
}

func TestBatchEnsureRecordsCreatesMissing(t *testing.T) {
	inst := newTestInstance(newFakeBackend("example.com"))
	desired := []model.DesiredRecord{
		{Type: model.TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: 120},
	}
	result := inst.BatchEnsureRecords(context.Background(), desired)
	if len(result.Created) != 1 || len(result.Updated) != 0 || len(result.Unchanged) != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected one created record, got %+v", result)
	}
}

func TestBatchEnsureRecordsIdempotentOnSecondCall(t *testing.T) {
	inst := newTestInstance(newFakeBackend("example.com"))
	desired := []model.DesiredRecord{
		{Type: model.TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: 120},
	}
	inst.BatchEnsureRecords(context.Background(), desired)

	second := inst.BatchEnsureRecords(context.Background(), desired)
	if len(second.Created) != 0 || len(second.Updated) != 0 || len(second.Unchanged) != 1 {
		t.Fatalf("expected second call to be a no-op, got %+v", second)
	}
}

func TestBatchEnsureRecordsUpdatesOnDrift(t *testing.T) {
	inst := newTestInstance(newFakeBackend("example.com"))
	first := []model.DesiredRecord{
		{Type: model.TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: 120},
	}
	inst.BatchEnsureRecords(context.Background(), first)

	changed := []model.DesiredRecord{
		{Type: model.TypeA, Name: "web.example.com", Content: "10.0.0.2", TTL: 120},
	}
	result := inst.BatchEnsureRecords(context.Background(), changed)
	if len(result.Updated) != 1 || len(result.Created) != 0 || len(result.Unchanged) != 0 {
		t.Fatalf("expected one updated record, got %+v", result)
	}
}

func TestBatchEnsureRecordsValidationFailureDoesNotAbortBatch(t *testing.T) {
	inst := newTestInstance(newFakeBackend("example.com"))
	desired := []model.DesiredRecord{
		{Type: model.TypeA, Name: "bad.example.com", Content: "not-an-ip", TTL: 120},
		{Type: model.TypeA, Name: "good.example.com", Content: "10.0.0.1", TTL: 120},
	}
	result := inst.BatchEnsureRecords(context.Background(), desired)
	if len(result.Errors) != 1 || result.Errors[0].Kind != model.KindValidationFailed {
		t.Fatalf("expected one validation error, got %+v", result.Errors)
	}
	if len(result.Created) != 1 {
		t.Fatalf("expected the valid record to still be created, got %+v", result)
	}
}

func TestBatchEnsureRecordsAuthFailureAbortsRemainder(t *testing.T) {
	backend := newFakeBackend("example.com")
	backend.failCreate = model.KindAuthFailed
	inst := newTestInstance(backend)

	desired := []model.DesiredRecord{
		{Type: model.TypeA, Name: "a.example.com", Content: "10.0.0.1", TTL: 120},
		{Type: model.TypeA, Name: "b.example.com", Content: "10.0.0.2", TTL: 120},
	}
	result := inst.BatchEnsureRecords(context.Background(), desired)
	if len(result.Errors) != 2 {
		t.Fatalf("expected both records to error, got %+v", result.Errors)
	}
	if result.Errors[0].Kind != model.KindAuthFailed {
		t.Fatalf("expected first error to be AuthFailed, got %v", result.Errors[0].Kind)
	}
	if result.Errors[1].Kind != model.KindSkippedDueToEarlierFailure {
		t.Fatalf("expected second record to be skipped after earlier failure, got %v", result.Errors[1].Kind)
	}
	if inst.Healthy() {
		t.Fatal("instance should be marked unhealthy after AuthFailed")
	}
}

func TestDeleteRecordTreatsNotFoundAsSuccess(t *testing.T) {
	inst := newTestInstance(newFakeBackend("example.com"))
	if err := inst.DeleteRecord(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("expected NotFound on delete to be treated as success, got %v", err)
	}
}
