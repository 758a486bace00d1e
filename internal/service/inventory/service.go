package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medscan/internal/config"
	"medscan/internal/domain/models"
	"medscan/pkg/clients/fhirstore"
)

// Registrar describes the registration operations the HTTP layer can perform.
type Registrar interface {
	RegisterUsage(ctx context.Context, desc models.DeviceDescription, scannedBarcode, subjectRef string) (*RegistrationResult, error)
	DeleteRegistration(ctx context.Context, usageID, deviceRef string) error
}

// RegistrationResult aggregates the outcome of one save action.
type RegistrationResult struct {
	DeviceRef string            `json:"device_ref"`
	Response  *fhirstore.Bundle `json:"response,omitempty"`
}

// Service implements the Registrar interface against the remote FHIR store.
type Service struct {
	store  fhirstore.Store
	cfg    config.FHIRConfig
	logger *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewService wires a new inventory service instance.
func NewService(store fhirstore.Store, cfg config.FHIRConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// RegisterUsage records one consumption of a device: it reconciles the scan
// against existing inventory, builds the usage record and submits both as a
// transaction with a stepped-write fallback.
func (s *Service) RegisterUsage(ctx context.Context, desc models.DeviceDescription, scannedBarcode, subjectRef string) (*RegistrationResult, error) {
	if subjectRef == "" {
		subjectRef = s.cfg.DefaultSubject
	}

	deviceEntry, deviceRef := s.reconcileDevice(ctx, desc, scannedBarcode)
	usage := s.buildUseStatement(deviceRef, subjectRef, desc)

	var entries []fhirstore.BundleEntry
	if deviceEntry != nil {
		raw, _ := json.Marshal(deviceEntry)
		entries = append(entries, fhirstore.BundleEntry{
			FullURL:  deviceRef,
			Resource: raw,
			Request:  &fhirstore.BundleRequest{Method: "POST", URL: "Device"},
		})
	}
	raw, _ := json.Marshal(usage)
	entries = append(entries, fhirstore.BundleEntry{
		FullURL:  "urn:uuid:" + s.newID(),
		Resource: raw,
		Request:  &fhirstore.BundleRequest{Method: "POST", URL: "DeviceUseStatement"},
	})

	resp, err := s.submit(ctx, fhirstore.NewTransactionBundle(entries), deviceRef)
	if err != nil {
		return nil, fmt.Errorf("register usage: %w", err)
	}

	return &RegistrationResult{DeviceRef: deviceRef, Response: resp}, nil
}

// DeleteRegistration removes a usage record and its paired device. Failures
// surface directly; a device delete error is reported even when the usage
// delete already succeeded.
func (s *Service) DeleteRegistration(ctx context.Context, usageID, deviceRef string) error {
	if err := s.store.Delete(ctx, fhirstore.FormatReference("DeviceUseStatement", usageID)); err != nil {
		return fmt.Errorf("delete usage record: %w", err)
	}

	if id := fhirstore.ResourceID(deviceRef); id != "" {
		if err := s.store.Delete(ctx, fhirstore.FormatReference("Device", id)); err != nil {
			return fmt.Errorf("delete device record: %w", err)
		}
	}

	return nil
}

func (s *Service) appTag() []fhirstore.Coding {
	return []fhirstore.Coding{{System: s.cfg.TagSystem, Code: s.cfg.TagCode}}
}

func (s *Service) buildDevice(desc models.DeviceDescription, scannedBarcode string, stockLevel int) *fhirstore.Device {
	identifiers := []fhirstore.Identifier{
		{System: fhirstore.InventoryUIDSystem, Value: s.newID()},
	}
	if scannedBarcode != "" {
		identifiers = append(identifiers, fhirstore.Identifier{System: fhirstore.BarcodeSystem, Value: scannedBarcode})
	}

	dev := &fhirstore.Device{
		ResourceType: "Device",
		Meta:         &fhirstore.Meta{Tag: s.appTag()},
		Identifier:   identifiers,
		DeviceName:   []fhirstore.DeviceName{{Name: desc.Products, Type: "user-friendly-name"}},
		Type:         &fhirstore.CodeableConcept{Text: desc.Category},
		Manufacturer: desc.Supplier,
		Note:         []fhirstore.Annotation{{Text: fmt.Sprintf("Registered via medscan (%s)", desc.Category)}},
	}
	dev.SetStockLevel(stockLevel)
	return dev
}

func (s *Service) buildUseStatement(deviceRef, subjectRef string, desc models.DeviceDescription) *fhirstore.UseStatement {
	now := s.now().UTC()
	return &fhirstore.UseStatement{
		ResourceType: "DeviceUseStatement",
		Meta:         &fhirstore.Meta{Tag: s.appTag()},
		Status:       "active",
		Device:       &fhirstore.Reference{Reference: deviceRef, Display: desc.Products},
		Subject:      &fhirstore.Reference{Reference: subjectRef},
		RecordedOn:   &now,
		Note:         []fhirstore.Annotation{{Text: desc.Products, Time: &now}},
	}
}
