package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"medscan/internal/config"
	"medscan/internal/domain/models"
	"medscan/internal/service/inventory"
	"medscan/pkg/clients/fhirstore"
)

type mockRegistrar struct {
	mu       sync.Mutex
	started  chan struct{}
	release  chan struct{}
	err      error
	deleted  []string
	deviceRf []string
}

func (m *mockRegistrar) RegisterUsage(_ context.Context, _ models.DeviceDescription, _, _ string) (*inventory.RegistrationResult, error) {
	if m.started != nil {
		close(m.started)
		<-m.release
	}
	if m.err != nil {
		return nil, m.err
	}
	return &inventory.RegistrationResult{DeviceRef: "Device/d1"}, nil
}

func (m *mockRegistrar) DeleteRegistration(_ context.Context, usageID, deviceRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, usageID)
	m.deviceRf = append(m.deviceRf, deviceRef)
	return m.err
}

type stubFinder struct{}

func (stubFinder) FindPairs(context.Context, string) []models.UsagePair { return nil }

func newTestRouter(registrar *mockRegistrar) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewInventoryHandler(registrar, stubFinder{}, nil, config.FHIRConfig{}, nil)

	r := gin.New()
	r.POST("/api/scan", h.Scan)
	r.POST("/api/registrations", h.Register)
	r.DELETE("/api/registrations/:id", h.Remove)
	r.GET("/api/inventory", h.Inventory)
	return r
}

func TestScan_ResolvesBarcode(t *testing.T) {
	r := newTestRouter(&mockRegistrar{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{"code":"1001234567890"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var desc models.DeviceDescription
	if err := json.Unmarshal(w.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if desc.Category != "Medical Device" || desc.Products != "1001234567890" {
		t.Errorf("unexpected resolution: %+v", desc)
	}
}

func TestRegister_StoreFailureReturnsDetail(t *testing.T) {
	registrar := &mockRegistrar{err: &fhirstore.StatusError{StatusCode: 422, Body: "invalid resource"}}
	r := newTestRouter(registrar)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/registrations",
		strings.NewReader(`{"description":{"products":"Gauze"}}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != float64(422) || body["body"] != "invalid resource" {
		t.Errorf("store detail missing from response: %v", body)
	}
}

func TestRegister_InFlightGuard(t *testing.T) {
	registrar := &mockRegistrar{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := newTestRouter(registrar)

	payload := `{"description":{"products":"Gauze"},"form_token":"form-1"}`

	firstDone := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/registrations", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		firstDone <- w.Code
	}()

	<-registrar.started

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/registrations", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("second save should be rejected while the first is outstanding, got %d", w.Code)
	}

	close(registrar.release)
	if code := <-firstDone; code != http.StatusCreated {
		t.Errorf("first save status = %d, want 201", code)
	}
}

func TestRemove_PassesDeviceReference(t *testing.T) {
	registrar := &mockRegistrar{}
	r := newTestRouter(registrar)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/registrations/use-1?device=Device/d1", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if len(registrar.deleted) != 1 || registrar.deleted[0] != "use-1" {
		t.Errorf("deleted = %v", registrar.deleted)
	}
	if registrar.deviceRf[0] != "Device/d1" {
		t.Errorf("device ref = %q", registrar.deviceRf[0])
	}
}

func TestInventory_EmptyViewIsAnEmptyList(t *testing.T) {
	r := newTestRouter(&mockRegistrar{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/inventory", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want empty JSON array", w.Body.String())
	}
}
