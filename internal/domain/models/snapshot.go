package models

import "time"

// InventorySnapshot is the aggregated daily inventory state archived by the
// scheduler. Derived analytics only; the live inventory view is always
// recomputed from the store.
type InventorySnapshot struct {
	Date         time.Time     `bson:"date" json:"date"`
	TotalDevices int           `bson:"total_devices" json:"total_devices"`
	TotalUsages  int           `bson:"total_usages" json:"total_usages"`
	Rows         []SnapshotRow `bson:"rows" json:"rows"`
	CreatedAt    time.Time     `bson:"created_at" json:"created_at"`
}

// SnapshotRow summarizes one grouped inventory line at snapshot time.
type SnapshotRow struct {
	Name       string     `bson:"name" json:"name"`
	Category   string     `bson:"category" json:"category"`
	Supplier   string     `bson:"supplier" json:"supplier"`
	StockLevel int        `bson:"stock_level" json:"stock_level"`
	UsageCount int        `bson:"usage_count" json:"usage_count"`
	LastUsed   *time.Time `bson:"last_used,omitempty" json:"last_used,omitempty"`
}
