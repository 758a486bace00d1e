package barcode

import (
	"encoding/json"
	"strings"

	"medscan/internal/domain/models"
)

const (
	defaultCategory = "Uncategorized"
	defaultSupplier = "Unknown"
)

// catalog maps known barcode strings to their device descriptions. Checked
// before any other resolution tier.
var catalog = map[string]models.DeviceDescription{
	"4051234567890": {Category: "Medical Device", Products: "Infusion Set 20 drops/ml", Supplier: "B. Braun", StockLevel: 50},
	"7612345678901": {Category: "Implantable Device", Products: "Hip Stem Size 3", Supplier: "Zimmer Biomet", StockLevel: 4},
	"5901234123457": {Category: "Medical Device", Products: "Sterile Gauze 10x10", Supplier: "Hartmann", StockLevel: 200},
}

// payload is the lenient shape accepted when a scanned string carries JSON.
// Field matching is case-insensitive, so "products" and "Products" both bind.
type payload struct {
	Products   string `json:"Products"`
	Name       string `json:"name"`
	Category   string `json:"Category"`
	Supplier   string `json:"Supplier"`
	StockLevel *int   `json:"StockLevel"`
}

// Resolve maps a raw scanned or typed string to a device description. It is
// deterministic, performs no I/O and never fails; unrecognized input degrades
// through the tiers down to the default classification.
func Resolve(raw string) models.DeviceDescription {
	if desc, ok := catalog[raw]; ok {
		return desc
	}

	if desc, ok := resolveJSON(raw); ok {
		return desc
	}

	if len(raw) == 13 {
		switch {
		case strings.HasPrefix(raw, "100"):
			return models.DeviceDescription{Category: "Medical Device", Products: raw, Supplier: defaultSupplier}
		case strings.HasPrefix(raw, "010"):
			return models.DeviceDescription{Category: "Implantable Device", Products: raw, Supplier: defaultSupplier}
		}
	}

	return models.DeviceDescription{Category: defaultCategory, Products: raw, Supplier: defaultSupplier}
}

// resolveJSON attempts to interpret the raw string as a JSON device payload.
// Parse failures are swallowed; the caller falls through to the next tier.
func resolveJSON(raw string) (models.DeviceDescription, bool) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.DeviceDescription{}, false
	}

	products := p.Products
	if products == "" {
		products = p.Name
	}
	if products == "" {
		return models.DeviceDescription{}, false
	}

	desc := models.DeviceDescription{
		Category: defaultCategory,
		Products: products,
		Supplier: "Unknown Supplier",
	}
	if p.Category != "" {
		desc.Category = p.Category
	}
	if p.Supplier != "" {
		desc.Supplier = p.Supplier
	}
	if p.StockLevel != nil && *p.StockLevel > 0 {
		desc.StockLevel = *p.StockLevel
	}
	return desc, true
}
