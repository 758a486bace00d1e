package models

import (
	"time"

	"medscan/pkg/clients/fhirstore"
)

// DeviceDescription is the structured form state produced by barcode
// resolution. It is transient; it only exists between a scan and a save.
type DeviceDescription struct {
	Category   string `json:"category"`
	Products   string `json:"products"`
	Supplier   string `json:"supplier"`
	StockLevel int    `json:"stock_level"`
}

// UsagePair couples one usage record with its device. Device is nil when the
// reference could not be resolved.
type UsagePair struct {
	Usage  fhirstore.UseStatement
	Device *fhirstore.Device
}

// InventoryRow is one deduplicated line of the aggregated inventory view.
// Recomputed on every render; never persisted.
type InventoryRow struct {
	Key    string                   `json:"key"`
	Device *fhirstore.Device        `json:"device,omitempty"`
	Usages []fhirstore.UseStatement `json:"usages"`
	Count  int                      `json:"count"`
	When   *time.Time               `json:"when,omitempty"`
}
