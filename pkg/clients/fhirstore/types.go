package fhirstore

import (
	"encoding/json"
	"strings"
	"time"
)

// Identifier systems and tag values attached to every resource this
// application creates on the shared store.
const (
	BarcodeSystem      = "https://www.gs1.org/gtin"
	InventoryUIDSystem = "https://medscan.dev/fhir/identifiers/inventory-uid"

	stockExtensionURL = "https://medscan.dev/fhir/StructureDefinition/stock-level"
	stockPropertyText = "stock-level"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Tag         []Coding   `json:"tag,omitempty"`
}

type Annotation struct {
	Text string     `json:"text,omitempty"`
	Time *time.Time `json:"time,omitempty"`
}

type Quantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

type Extension struct {
	URL          string `json:"url"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
	ValueString  string `json:"valueString,omitempty"`
}

type DeviceName struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type DeviceProperty struct {
	Type          CodeableConcept `json:"type"`
	ValueQuantity []Quantity      `json:"valueQuantity,omitempty"`
}

// Device maps the FHIR Device resource fields this application touches.
type Device struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Meta         *Meta            `json:"meta,omitempty"`
	Identifier   []Identifier     `json:"identifier,omitempty"`
	DeviceName   []DeviceName     `json:"deviceName,omitempty"`
	Type         *CodeableConcept `json:"type,omitempty"`
	Manufacturer string           `json:"manufacturer,omitempty"`
	Property     []DeviceProperty `json:"property,omitempty"`
	Extension    []Extension      `json:"extension,omitempty"`
	Note         []Annotation     `json:"note,omitempty"`
}

// UseStatement covers both DeviceUseStatement (R4) and DeviceUsage (R5);
// the fields this application reads are shaped the same in both revisions.
type UseStatement struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Status       string       `json:"status,omitempty"`
	Device       *Reference   `json:"device,omitempty"`
	Subject      *Reference   `json:"subject,omitempty"`
	RecordedOn   *time.Time   `json:"recordedOn,omitempty"`
	Note         []Annotation `json:"note,omitempty"`
}

// Bundle is the FHIR Bundle envelope used for searches and transactions.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
}

// NewTransactionBundle wraps the given entries in a transaction Bundle.
func NewTransactionBundle(entries []BundleEntry) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry:        entries,
	}
}

// NewTransactionResponse assembles a transaction-response Bundle from
// individually collected entry outcomes.
func NewTransactionResponse(entries []BundleEntry) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction-response",
		Entry:        entries,
	}
}

// Entries flattens a bundle into its entry resources, preserving order.
// Nil bundles and entries without a resource yield nothing.
func Entries(b *Bundle) []json.RawMessage {
	if b == nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}

// ResourceType sniffs the resourceType of a raw resource without decoding
// the full body. Malformed input yields an empty string.
func ResourceType(raw json.RawMessage) string {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ResourceType
}

// ResourceID extracts the logical id from a reference such as "Device/123"
// or "Device/123/_history/1". Empty or unshaped input yields "", as does
// any trailing segment other than a version history suffix.
func ResourceID(ref string) string {
	if ref == "" {
		return ""
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 || parts[1] == "" {
		return ""
	}
	if len(parts) > 2 && parts[2] != "_history" {
		return ""
	}
	return parts[1]
}

// LocationReference extracts the "<type>/<id>" portion from a create
// response Location header, tolerating absolute URLs and version suffixes.
func LocationReference(loc string) string {
	loc = strings.TrimSuffix(strings.TrimSpace(loc), "/")
	if loc == "" {
		return ""
	}
	parts := strings.Split(loc, "/")
	for i, p := range parts {
		if p == "_history" {
			parts = parts[:i]
			break
		}
	}
	if len(parts) < 2 {
		return ""
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	if typ == "" || id == "" || strings.Contains(typ, ":") {
		return ""
	}
	return typ + "/" + id
}

// FormatReference builds a "<type>/<id>" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// StockLevel reads the device's stock level. The value is stored redundantly
// in the property list and the extension list; the property entry is
// preferred, the extension is the fallback, absence means zero.
func (d *Device) StockLevel() int {
	for _, p := range d.Property {
		if p.Type.Text != stockPropertyText {
			continue
		}
		for _, q := range p.ValueQuantity {
			if q.Value != nil {
				return int(*q.Value)
			}
		}
	}
	for _, e := range d.Extension {
		if e.URL == stockExtensionURL && e.ValueInteger != nil {
			return *e.ValueInteger
		}
	}
	return 0
}

// SetStockLevel rewrites both stock locations together, keeping at most one
// stock entry in each list. Negative input is clamped to zero. Call sites
// must never touch the property or extension lists directly.
func (d *Device) SetStockLevel(level int) {
	if level < 0 {
		level = 0
	}

	props := d.Property[:0]
	for _, p := range d.Property {
		if p.Type.Text != stockPropertyText {
			props = append(props, p)
		}
	}
	value := float64(level)
	d.Property = append(props, DeviceProperty{
		Type:          CodeableConcept{Text: stockPropertyText},
		ValueQuantity: []Quantity{{Value: &value}},
	})

	exts := d.Extension[:0]
	for _, e := range d.Extension {
		if e.URL != stockExtensionURL {
			exts = append(exts, e)
		}
	}
	n := level
	d.Extension = append(exts, Extension{URL: stockExtensionURL, ValueInteger: &n})
}

// BarcodeIdentifier returns the device's barcode identifier value, if any.
func (d *Device) BarcodeIdentifier() string {
	for _, id := range d.Identifier {
		if id.System == BarcodeSystem {
			return id.Value
		}
	}
	return ""
}

// DisplayName returns the first device name, or "".
func (d *Device) DisplayName() string {
	if len(d.DeviceName) == 0 {
		return ""
	}
	return d.DeviceName[0].Name
}
