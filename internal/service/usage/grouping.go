package usage

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"medscan/internal/domain/models"
	"medscan/pkg/clients/fhirstore"
)

// GroupPairs collapses a flat stream of usage/device pairs into deduplicated
// inventory rows ordered by recency. Pure and synchronous; recomputed on
// every view render.
func GroupPairs(pairs []models.UsagePair) []models.InventoryRow {
	rows := make(map[string]*models.InventoryRow)
	var order []string

	for _, p := range pairs {
		key := groupKey(p.Device)
		row, ok := rows[key]
		if !ok {
			row = &models.InventoryRow{Key: key}
			rows[key] = row
			order = append(order, key)
		}
		if row.Device == nil {
			row.Device = p.Device
		}
		row.Usages = append(row.Usages, p.Usage)
		row.Count++
		row.When = latest(row.When, p.Usage.RecordedOn, metaTime(p.Usage.Meta), deviceTime(p.Device))
	}

	out := make([]models.InventoryRow, 0, len(order))
	for _, key := range order {
		out = append(out, *rows[key])
	}

	// Descending by recency; rows without any timestamp sink to the bottom.
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := out[i].When, out[j].When
		if wi == nil {
			return false
		}
		if wj == nil {
			return true
		}
		return wi.After(*wj)
	})
	return out
}

// groupKey prefers the case-folded barcode identifier and falls back to a
// composite of name, size property and manufacturer. Missing fields degrade
// to empty strings.
func groupKey(d *fhirstore.Device) string {
	if d == nil {
		return ""
	}
	if bc := d.BarcodeIdentifier(); bc != "" {
		return strings.ToLower(bc)
	}
	return strings.ToLower(d.DisplayName() + "|" + sizeProperty(d) + "|" + d.Manufacturer)
}

func sizeProperty(d *fhirstore.Device) string {
	for _, p := range d.Property {
		if !strings.Contains(strings.ToLower(p.Type.Text), "size") {
			continue
		}
		for _, q := range p.ValueQuantity {
			if q.Value != nil {
				return strconv.FormatFloat(*q.Value, 'f', -1, 64) + q.Unit
			}
		}
	}
	return ""
}

func metaTime(m *fhirstore.Meta) *time.Time {
	if m == nil {
		return nil
	}
	return m.LastUpdated
}

func deviceTime(d *fhirstore.Device) *time.Time {
	if d == nil {
		return nil
	}
	return metaTime(d.Meta)
}

// latest returns the maximum of the given timestamps, ignoring nils.
func latest(times ...*time.Time) *time.Time {
	var max *time.Time
	for _, t := range times {
		if t == nil {
			continue
		}
		if max == nil || t.After(*max) {
			max = t
		}
	}
	return max
}
