package storage

import (
	"context"
	"errors"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// Store defines the snapshot storage interface. The bridge keeps no
// historical time-series; only the latest row per device survives, enough
// for diagnostics to outlive a restart.
type Store interface {
	// Device registrations
	SaveDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, pn string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	DeleteDevice(ctx context.Context, pn string) error

	// Poll cycle state
	SavePollState(ctx context.Context, state *models.PollState) error
	GetPollState(ctx context.Context, pn string) (*models.PollState, error)

	// Diagnostics: last raw payload and last normalized batch per device
	SaveRawSnapshot(ctx context.Context, snapshot *models.RawSnapshot) error
	GetRawSnapshot(ctx context.Context, pn string) (*models.RawSnapshot, error)
	SaveBatch(ctx context.Context, batch *models.MeasurementBatch) error
	GetLastBatch(ctx context.Context, pn string) (*models.MeasurementBatch, error)

	// Close the store
	Close() error
}
