package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"medscan/internal/config"
	"medscan/internal/domain/models"
	"medscan/pkg/clients/fhirstore"
)

// -- Mock Store --

type mockStore struct {
	searchFn func(query string) (*fhirstore.Bundle, error)
	createFn func(path string, resource any) (*fhirstore.CreateResult, error)
	updateFn func(path string, resource any) (json.RawMessage, error)
	txFn     func(b *fhirstore.Bundle) (*fhirstore.Bundle, error)
	deleteFn func(path string) error

	createPaths  []string
	createBodies []json.RawMessage
	updatePaths  []string
	updateBodies []any
	deletePaths  []string
}

func (m *mockStore) Read(_ context.Context, ref string) (json.RawMessage, error) {
	return nil, fmt.Errorf("unexpected read of %s", ref)
}

func (m *mockStore) Search(_ context.Context, query string) (*fhirstore.Bundle, error) {
	if m.searchFn == nil {
		return &fhirstore.Bundle{ResourceType: "Bundle", Type: "searchset"}, nil
	}
	return m.searchFn(query)
}

func (m *mockStore) Create(_ context.Context, path string, resource any) (*fhirstore.CreateResult, error) {
	raw, _ := json.Marshal(resource)
	m.createPaths = append(m.createPaths, path)
	m.createBodies = append(m.createBodies, raw)
	if m.createFn == nil {
		return &fhirstore.CreateResult{Resource: raw}, nil
	}
	return m.createFn(path, resource)
}

func (m *mockStore) Update(_ context.Context, path string, resource any) (json.RawMessage, error) {
	m.updatePaths = append(m.updatePaths, path)
	m.updateBodies = append(m.updateBodies, resource)
	if m.updateFn == nil {
		raw, _ := json.Marshal(resource)
		return raw, nil
	}
	return m.updateFn(path, resource)
}

func (m *mockStore) Delete(_ context.Context, path string) error {
	m.deletePaths = append(m.deletePaths, path)
	if m.deleteFn == nil {
		return nil
	}
	return m.deleteFn(path)
}

func (m *mockStore) Transaction(_ context.Context, b *fhirstore.Bundle) (*fhirstore.Bundle, error) {
	if m.txFn == nil {
		return fhirstore.NewTransactionResponse(nil), nil
	}
	return m.txFn(b)
}

func newTestService(store *mockStore) *Service {
	cfg := config.FHIRConfig{
		TagSystem:      "https://medscan.dev/fhir/tags",
		TagCode:        "medscan",
		DefaultSubject: "Patient/anonymous",
	}
	svc := NewService(store, cfg, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	counter := 0
	svc.newID = func() string {
		counter++
		return fmt.Sprintf("local-%d", counter)
	}
	return svc
}

func searchResultWith(resources ...any) *fhirstore.Bundle {
	b := &fhirstore.Bundle{ResourceType: "Bundle", Type: "searchset"}
	for _, r := range resources {
		raw, _ := json.Marshal(r)
		b.Entry = append(b.Entry, fhirstore.BundleEntry{Resource: raw})
	}
	return b
}

func storedDevice(id string, stock int, barcodeValue string) *fhirstore.Device {
	d := &fhirstore.Device{
		ResourceType: "Device",
		ID:           id,
		Identifier:   []fhirstore.Identifier{{System: fhirstore.BarcodeSystem, Value: barcodeValue}},
		DeviceName:   []fhirstore.DeviceName{{Name: "Test Device"}},
	}
	d.SetStockLevel(stock)
	return d
}

// -- Reconciliation --

func TestRegisterUsage_DecrementsExistingDevice(t *testing.T) {
	store := &mockStore{
		searchFn: func(query string) (*fhirstore.Bundle, error) {
			if !strings.HasPrefix(query, "Device?identifier=") {
				t.Errorf("unexpected query %q", query)
			}
			return searchResultWith(storedDevice("dev-1", 5, "4051234567890")), nil
		},
	}
	svc := newTestService(store)

	result, err := svc.RegisterUsage(context.Background(), models.DeviceDescription{Products: "Test Device"}, "4051234567890", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.DeviceRef != "Device/dev-1" {
		t.Errorf("device ref = %q, want permanent reference", result.DeviceRef)
	}
	if len(store.updatePaths) != 1 || store.updatePaths[0] != "Device/dev-1" {
		t.Fatalf("expected one update to Device/dev-1, got %v", store.updatePaths)
	}
	updated := store.updateBodies[0].(*fhirstore.Device)
	if got := updated.StockLevel(); got != 4 {
		t.Errorf("stock after decrement = %d, want 4", got)
	}
}

func TestRegisterUsage_DecrementNeverGoesNegative(t *testing.T) {
	for _, prior := range []int{0, 1, 2, 10} {
		store := &mockStore{
			searchFn: func(string) (*fhirstore.Bundle, error) {
				return searchResultWith(storedDevice("dev-1", prior, "X")), nil
			},
		}
		svc := newTestService(store)

		if _, err := svc.RegisterUsage(context.Background(), models.DeviceDescription{Products: "D"}, "X", ""); err != nil {
			t.Fatalf("prior=%d: unexpected error: %v", prior, err)
		}

		want := prior - 1
		if want < 0 {
			want = 0
		}
		updated := store.updateBodies[0].(*fhirstore.Device)
		if got := updated.StockLevel(); got != want {
			t.Errorf("prior=%d: stock = %d, want %d", prior, got, want)
		}
	}
}

func TestRegisterUsage_LookupFailureDegradesToNewRecord(t *testing.T) {
	var submitted *fhirstore.Bundle
	store := &mockStore{
		searchFn: func(string) (*fhirstore.Bundle, error) {
			return nil, &fhirstore.StatusError{StatusCode: 500, Body: "boom"}
		},
		txFn: func(b *fhirstore.Bundle) (*fhirstore.Bundle, error) {
			submitted = b
			return fhirstore.NewTransactionResponse(nil), nil
		},
	}
	svc := newTestService(store)

	desc := models.DeviceDescription{Category: "Medical Device", Products: "Gauze", Supplier: "Hartmann", StockLevel: 10}
	result, err := svc.RegisterUsage(context.Background(), desc, "5901234123457", "")
	if err != nil {
		t.Fatalf("save must proceed despite lookup failure, got: %v", err)
	}
	if !strings.HasPrefix(result.DeviceRef, "urn:uuid:") {
		t.Errorf("device ref = %q, want temporary local identifier", result.DeviceRef)
	}

	if submitted == nil || len(submitted.Entry) != 2 {
		t.Fatalf("expected a transaction with device and usage entries")
	}
	var dev fhirstore.Device
	if err := json.Unmarshal(submitted.Entry[0].Resource, &dev); err != nil {
		t.Fatalf("decode device entry: %v", err)
	}
	if got := dev.StockLevel(); got != 9 {
		t.Errorf("new device stock = %d, want 9", got)
	}
	if dev.BarcodeIdentifier() != "5901234123457" {
		t.Errorf("barcode identifier missing from new device")
	}
}

func TestRegisterUsage_NoBarcodeBuildsNewRecord(t *testing.T) {
	var submitted *fhirstore.Bundle
	store := &mockStore{
		searchFn: func(string) (*fhirstore.Bundle, error) {
			t.Error("no lookup should happen without a barcode")
			return nil, nil
		},
		txFn: func(b *fhirstore.Bundle) (*fhirstore.Bundle, error) {
			submitted = b
			return fhirstore.NewTransactionResponse(nil), nil
		},
	}
	svc := newTestService(store)

	if _, err := svc.RegisterUsage(context.Background(), models.DeviceDescription{Products: "Manual Entry"}, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var usage fhirstore.UseStatement
	if err := json.Unmarshal(submitted.Entry[1].Resource, &usage); err != nil {
		t.Fatalf("decode usage entry: %v", err)
	}
	if usage.Subject == nil || usage.Subject.Reference != "Patient/anonymous" {
		t.Errorf("subject placeholder missing, got %+v", usage.Subject)
	}
	if usage.Device == nil || !strings.HasPrefix(usage.Device.Reference, "urn:uuid:") {
		t.Errorf("usage should reference the temporary device id, got %+v", usage.Device)
	}
}

// -- Stepped fallback --

func TestSubmit_FallbackRewritesTemporaryReference(t *testing.T) {
	store := &mockStore{
		txFn: func(*fhirstore.Bundle) (*fhirstore.Bundle, error) {
			return nil, &fhirstore.StatusError{StatusCode: 400, Body: "transaction unsupported"}
		},
		createFn: func(path string, resource any) (*fhirstore.CreateResult, error) {
			if path == "Device" {
				return &fhirstore.CreateResult{Resource: json.RawMessage(`{"resourceType":"Device","id":"srv-42"}`)}, nil
			}
			raw, _ := json.Marshal(resource)
			return &fhirstore.CreateResult{Resource: raw}, nil
		},
	}
	svc := newTestService(store)

	result, err := svc.RegisterUsage(context.Background(), models.DeviceDescription{Products: "Fallback Device", StockLevel: 3}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.createPaths) != 2 {
		t.Fatalf("expected exactly two stepped creates, got %v", store.createPaths)
	}
	if store.createPaths[0] != "Device" || store.createPaths[1] != "DeviceUseStatement" {
		t.Errorf("create order = %v", store.createPaths)
	}

	var usage fhirstore.UseStatement
	if err := json.Unmarshal(store.createBodies[1], &usage); err != nil {
		t.Fatalf("decode usage create body: %v", err)
	}
	if usage.Device == nil || usage.Device.Reference != "Device/srv-42" {
		t.Errorf("usage device ref = %+v, want Device/srv-42", usage.Device)
	}

	if result.Response == nil || result.Response.Type != "transaction-response" {
		t.Errorf("expected synthesized transaction response, got %+v", result.Response)
	}
}

func TestSubmit_FallbackUsesLocationWhenBodyIsEmpty(t *testing.T) {
	store := &mockStore{
		txFn: func(*fhirstore.Bundle) (*fhirstore.Bundle, error) {
			return nil, &fhirstore.StatusError{StatusCode: 400, Body: "transaction unsupported"}
		},
		createFn: func(path string, resource any) (*fhirstore.CreateResult, error) {
			if path == "Device" {
				return &fhirstore.CreateResult{Location: "http://store.example/fhir/Device/srv-7/_history/1"}, nil
			}
			raw, _ := json.Marshal(resource)
			return &fhirstore.CreateResult{Resource: raw}, nil
		},
	}
	svc := newTestService(store)

	if _, err := svc.RegisterUsage(context.Background(), models.DeviceDescription{Products: "Bodyless Create", StockLevel: 2}, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var usage fhirstore.UseStatement
	if err := json.Unmarshal(store.createBodies[1], &usage); err != nil {
		t.Fatalf("decode usage create body: %v", err)
	}
	if usage.Device == nil || usage.Device.Reference != "Device/srv-7" {
		t.Errorf("usage device ref = %+v, want Device/srv-7 from the Location header", usage.Device)
	}
}

func TestSubmit_UsageCreateFailureLeavesDeviceWithoutRollback(t *testing.T) {
	store := &mockStore{
		txFn: func(*fhirstore.Bundle) (*fhirstore.Bundle, error) {
			return nil, errors.New("transaction rejected")
		},
		createFn: func(path string, resource any) (*fhirstore.CreateResult, error) {
			if path == "Device" {
				return &fhirstore.CreateResult{Resource: json.RawMessage(`{"resourceType":"Device","id":"srv-9"}`)}, nil
			}
			return nil, &fhirstore.StatusError{StatusCode: 500, Body: "usage rejected"}
		},
	}
	svc := newTestService(store)

	_, err := svc.RegisterUsage(context.Background(), models.DeviceDescription{Products: "D", StockLevel: 1}, "", "")
	if err == nil {
		t.Fatal("expected the usage create failure to surface")
	}
	var statusErr *fhirstore.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 500 {
		t.Errorf("expected wrapped status error, got %v", err)
	}

	if len(store.createPaths) != 2 || store.createPaths[0] != "Device" || store.createPaths[1] != "DeviceUseStatement" {
		t.Errorf("creates = %v, want Device then DeviceUseStatement", store.createPaths)
	}
	if len(store.deletePaths) != 0 {
		t.Errorf("the persisted device must not be rolled back, got deletes %v", store.deletePaths)
	}
}

func TestSubmit_FallbackDeviceCreateFailurePropagates(t *testing.T) {
	store := &mockStore{
		txFn: func(*fhirstore.Bundle) (*fhirstore.Bundle, error) {
			return nil, errors.New("transaction rejected")
		},
		createFn: func(path string, _ any) (*fhirstore.CreateResult, error) {
			return nil, &fhirstore.StatusError{StatusCode: 422, Body: "invalid device"}
		},
	}
	svc := newTestService(store)

	_, err := svc.RegisterUsage(context.Background(), models.DeviceDescription{Products: "D", StockLevel: 1}, "", "")
	if err == nil {
		t.Fatal("expected fallback failure to propagate")
	}
	var statusErr *fhirstore.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 422 {
		t.Errorf("expected wrapped status error, got %v", err)
	}
	if len(store.createPaths) != 1 {
		t.Errorf("no usage create should be attempted after a device failure, got %v", store.createPaths)
	}
}

func TestSubmit_EmptyBundleReturnsOriginalError(t *testing.T) {
	original := errors.New("transaction rejected")
	store := &mockStore{
		txFn: func(*fhirstore.Bundle) (*fhirstore.Bundle, error) { return nil, original },
	}
	svc := newTestService(store)

	_, err := svc.submit(context.Background(), fhirstore.NewTransactionBundle(nil), "")
	if !errors.Is(err, original) {
		t.Errorf("expected the original transaction error, got %v", err)
	}
}

// -- Deletion --

func TestDeleteRegistration_DeviceFailureSurfaces(t *testing.T) {
	store := &mockStore{
		deleteFn: func(path string) error {
			if strings.HasPrefix(path, "Device/") {
				return &fhirstore.StatusError{StatusCode: 409, Body: "referenced elsewhere"}
			}
			return nil
		},
	}
	svc := newTestService(store)

	err := svc.DeleteRegistration(context.Background(), "use-1", "Device/dev-1")
	if err == nil {
		t.Fatal("expected device delete failure to surface")
	}
	var statusErr *fhirstore.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 409 {
		t.Errorf("expected wrapped 409, got %v", err)
	}
	if len(store.deletePaths) != 2 {
		t.Errorf("both deletes should have been attempted, got %v", store.deletePaths)
	}
}

func TestDeleteRegistration_UsageOnly(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(store)

	if err := svc.DeleteRegistration(context.Background(), "use-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.deletePaths) != 1 || store.deletePaths[0] != "DeviceUseStatement/use-1" {
		t.Errorf("deletes = %v", store.deletePaths)
	}
}
