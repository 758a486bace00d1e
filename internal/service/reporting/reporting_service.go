package reporting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"medscan/internal/domain/models"
	"medscan/internal/service/usage"
)

// SnapshotSink persists one inventory snapshot. Sinks are best-effort; a
// failing sink is logged and never blocks the others.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snapshot models.InventorySnapshot) error
}

// Service builds aggregated inventory snapshots for the scheduler.
type Service struct {
	finder usage.PairFinder
	sinks  []SnapshotSink
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires a new reporting service instance.
func NewService(finder usage.PairFinder, sinks []SnapshotSink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{finder: finder, sinks: sinks, logger: logger, now: time.Now}
}

// BuildSnapshot fetches the current usage/device pairs and condenses the
// grouped view into an archivable snapshot.
func (s *Service) BuildSnapshot(ctx context.Context) models.InventorySnapshot {
	pairs := s.finder.FindPairs(ctx, "")
	rows := usage.GroupPairs(pairs)

	now := s.now().UTC()
	snapshot := models.InventorySnapshot{
		Date:      now.Truncate(24 * time.Hour),
		CreatedAt: now,
	}

	for _, row := range rows {
		sr := models.SnapshotRow{
			UsageCount: row.Count,
			LastUsed:   row.When,
		}
		if row.Device != nil {
			snapshot.TotalDevices++
			sr.Name = row.Device.DisplayName()
			sr.Supplier = row.Device.Manufacturer
			sr.StockLevel = row.Device.StockLevel()
			if row.Device.Type != nil {
				sr.Category = row.Device.Type.Text
			}
		}
		snapshot.TotalUsages += row.Count
		snapshot.Rows = append(snapshot.Rows, sr)
	}

	return snapshot
}

// PublishSnapshot builds the snapshot and writes it through every configured
// sink. Sink failures are logged individually and do not abort the run.
func (s *Service) PublishSnapshot(ctx context.Context) models.InventorySnapshot {
	snapshot := s.BuildSnapshot(ctx)

	for _, sink := range s.sinks {
		if err := sink.SaveSnapshot(ctx, snapshot); err != nil {
			s.logger.Error("snapshot sink failed", zap.Error(err))
		}
	}

	s.logger.Info("inventory snapshot published",
		zap.Int("devices", snapshot.TotalDevices),
		zap.Int("usages", snapshot.TotalUsages),
		zap.Int("sinks", len(s.sinks)))
	return snapshot
}
