package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"medscan/internal/domain/models"
	"medscan/pkg/clients/fhirstore"
)

// reconcileDevice decides whether a save refers to new or existing inventory.
// With a barcode it tries to decrement the most recent matching device and
// returns its permanent reference with no create entry; otherwise (or when
// anything in the lookup/update path fails) it builds a fresh device record
// and returns it with a temporary local reference. The save always proceeds.
func (s *Service) reconcileDevice(ctx context.Context, desc models.DeviceDescription, scannedBarcode string) (*fhirstore.Device, string) {
	if scannedBarcode != "" {
		if ref, ok := s.decrementExisting(ctx, scannedBarcode); ok {
			return nil, ref
		}
	}

	level := desc.StockLevel - 1
	if level < 0 {
		level = 0
	}
	return s.buildDevice(desc, scannedBarcode, level), "urn:uuid:" + s.newID()
}

// decrementExisting looks up the single most recently updated app-tagged
// device carrying the barcode, decrements its stock level (floored at zero)
// in both shadow locations and writes the whole record back. Every failure is
// logged and degrades to the new-record path.
func (s *Service) decrementExisting(ctx context.Context, scannedBarcode string) (string, bool) {
	query := fmt.Sprintf("Device?identifier=%s&_tag=%s&_sort=-_lastUpdated&_count=1",
		url.QueryEscape(scannedBarcode),
		url.QueryEscape(s.cfg.TagSystem+"|"+s.cfg.TagCode))

	bundle, err := s.store.Search(ctx, query)
	if err != nil {
		s.logger.Warn("device lookup failed, registering as new inventory",
			zap.String("barcode", scannedBarcode), zap.Error(err))
		return "", false
	}

	entries := fhirstore.Entries(bundle)
	if len(entries) == 0 {
		return "", false
	}

	var dev fhirstore.Device
	if err := json.Unmarshal(entries[0], &dev); err != nil {
		s.logger.Warn("device decode failed, registering as new inventory",
			zap.String("barcode", scannedBarcode), zap.Error(err))
		return "", false
	}
	if dev.ID == "" {
		return "", false
	}

	level := dev.StockLevel() - 1
	if level < 0 {
		level = 0
	}
	dev.SetStockLevel(level)

	ref := fhirstore.FormatReference("Device", dev.ID)
	if _, err := s.store.Update(ctx, ref, &dev); err != nil {
		s.logger.Warn("stock update failed, registering as new inventory",
			zap.String("device", ref), zap.Error(err))
		return "", false
	}

	s.logger.Debug("stock decremented", zap.String("device", ref), zap.Int("level", level))
	return ref, true
}
