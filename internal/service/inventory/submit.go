package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"medscan/pkg/clients/fhirstore"
)

// submit posts the whole bundle as one transaction. When the store rejects or
// cannot process it, the entries are replayed as stepped individual creates:
// the device first, then the usage with its temporary reference rewritten to
// the freshly assigned permanent one. At most one create is attempted per
// resource type; a usage failure after a successful device create leaves the
// device persisted without its usage.
func (s *Service) submit(ctx context.Context, bundle *fhirstore.Bundle, tempDeviceRef string) (*fhirstore.Bundle, error) {
	resp, err := s.store.Transaction(ctx, bundle)
	if err == nil {
		return resp, nil
	}
	s.logger.Warn("transaction rejected, falling back to stepped writes", zap.Error(err))

	var deviceEntry, usageEntry *fhirstore.BundleEntry
	for i := range bundle.Entry {
		switch fhirstore.ResourceType(bundle.Entry[i].Resource) {
		case "Device":
			deviceEntry = &bundle.Entry[i]
		case "DeviceUseStatement", "DeviceUsage":
			usageEntry = &bundle.Entry[i]
		}
	}
	if deviceEntry == nil && usageEntry == nil {
		return nil, err
	}

	var outcomes []fhirstore.BundleEntry
	deviceRef := ""

	if deviceEntry != nil {
		created, cerr := s.store.Create(ctx, "Device", deviceEntry.Resource)
		if cerr != nil {
			return nil, fmt.Errorf("stepped device create: %w", cerr)
		}
		var dev fhirstore.Device
		if derr := json.Unmarshal(created.Resource, &dev); derr == nil && dev.ID != "" {
			deviceRef = fhirstore.FormatReference("Device", dev.ID)
		} else if ref := fhirstore.LocationReference(created.Location); ref != "" {
			// Stores answering 201 with an empty body still name the id in Location.
			deviceRef = ref
		}
		outcomes = append(outcomes, fhirstore.BundleEntry{
			Resource: created.Resource,
			Response: &fhirstore.BundleResponse{Status: "201 Created", Location: deviceRef},
		})
	}

	if usageEntry != nil {
		var usage fhirstore.UseStatement
		if derr := json.Unmarshal(usageEntry.Resource, &usage); derr != nil {
			return nil, fmt.Errorf("stepped usage decode: %w", derr)
		}
		if usage.Device != nil && usage.Device.Reference == tempDeviceRef &&
			strings.HasPrefix(tempDeviceRef, "urn:uuid:") && deviceRef != "" {
			usage.Device.Reference = deviceRef
		}
		created, cerr := s.store.Create(ctx, usage.ResourceType, &usage)
		if cerr != nil {
			return nil, fmt.Errorf("stepped usage create: %w", cerr)
		}
		outcomes = append(outcomes, fhirstore.BundleEntry{
			Resource: created.Resource,
			Response: &fhirstore.BundleResponse{Status: "201 Created"},
		})
	}

	return fhirstore.NewTransactionResponse(outcomes), nil
}
