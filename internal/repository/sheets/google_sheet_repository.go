package sheets

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"medscan/internal/config"
	"medscan/internal/domain/models"
)

const snapshotRange = "Inventory!A:H"
const dateFormat = "2006-01-02"

// Repository defines the export operations supported by the Google Sheets adapter.
type Repository interface {
	SaveSnapshot(ctx context.Context, snapshot models.InventorySnapshot) error
}

// GoogleSheetRepository implements the Repository interface using the official Google Sheets API.
type GoogleSheetRepository struct {
	service       *sheetsapi.Service
	spreadsheetID string
	logger        *zap.Logger
}

// NewGoogleSheetRepository builds a Google Sheets backed repository instance.
func NewGoogleSheetRepository(ctx context.Context, cfg config.SheetsConfig, logger *zap.Logger) (Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	service, err := sheetsapi.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsPath), option.WithScopes(sheetsapi.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sheets client: %w", err)
	}

	return &GoogleSheetRepository{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		logger:        logger,
	}, nil
}

// SaveSnapshot appends one row per grouped inventory line to the snapshot sheet.
func (r *GoogleSheetRepository) SaveSnapshot(ctx context.Context, snapshot models.InventorySnapshot) error {
	values := make([][]interface{}, 0, len(snapshot.Rows))
	for _, row := range snapshot.Rows {
		lastUsed := ""
		if row.LastUsed != nil {
			lastUsed = row.LastUsed.Format(dateFormat)
		}
		values = append(values, []interface{}{
			snapshot.Date.Format(dateFormat),
			row.Name,
			row.Category,
			row.Supplier,
			row.StockLevel,
			row.UsageCount,
			lastUsed,
		})
	}
	if len(values) == 0 {
		return nil
	}

	payload := &sheetsapi.ValueRange{Values: values}

	call := r.service.Spreadsheets.Values.Append(r.spreadsheetID, snapshotRange, payload).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx)

	if _, err := call.Do(); err != nil {
		return fmt.Errorf("append snapshot into range %s: %w", snapshotRange, err)
	}

	r.logger.Debug("snapshot appended to sheet", zap.Int("rows", len(values)))
	return nil
}
