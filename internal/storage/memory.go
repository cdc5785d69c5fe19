package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// MemoryStore implements Store in memory. It is the default when no
// database DSN is configured, and the store used by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*models.Device
	states    map[string]*models.PollState
	snapshots map[string]*models.RawSnapshot
	batches   map[string]*models.MeasurementBatch
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]*models.Device),
		states:    make(map[string]*models.PollState),
		snapshots: make(map[string]*models.RawSnapshot),
		batches:   make(map[string]*models.MeasurementBatch),
	}
}

// SaveDevice creates or replaces a device registration
func (s *MemoryStore) SaveDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *device
	s.devices[device.PN] = &copied
	return nil
}

// GetDevice gets a device by PN
func (s *MemoryStore) GetDevice(ctx context.Context, pn string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[pn]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *device
	return &copied, nil
}

// ListDevices lists all device registrations sorted by PN
func (s *MemoryStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*models.Device, 0, len(s.devices))
	for _, device := range s.devices {
		copied := *device
		devices = append(devices, &copied)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].PN < devices[j].PN })
	return devices, nil
}

// DeleteDevice removes a device registration and its snapshots
func (s *MemoryStore) DeleteDevice(ctx context.Context, pn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.devices, pn)
	delete(s.states, pn)
	delete(s.snapshots, pn)
	delete(s.batches, pn)
	return nil
}

// SavePollState creates or replaces a device poll state
func (s *MemoryStore) SavePollState(ctx context.Context, state *models.PollState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *state
	s.states[state.PN] = &copied
	return nil
}

// GetPollState gets a poll state by PN
func (s *MemoryStore) GetPollState(ctx context.Context, pn string) (*models.PollState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[pn]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *state
	return &copied, nil
}

// SaveRawSnapshot replaces the last raw payload for a device
func (s *MemoryStore) SaveRawSnapshot(ctx context.Context, snapshot *models.RawSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *snapshot
	s.snapshots[snapshot.PN] = &copied
	return nil
}

// GetRawSnapshot gets the last raw payload for a device
func (s *MemoryStore) GetRawSnapshot(ctx context.Context, pn string) (*models.RawSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[pn]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *snapshot
	return &copied, nil
}

// SaveBatch replaces the last normalized batch for a device
func (s *MemoryStore) SaveBatch(ctx context.Context, batch *models.MeasurementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *batch
	s.batches[batch.PN] = &copied
	return nil
}

// GetLastBatch gets the last normalized batch for a device
func (s *MemoryStore) GetLastBatch(ctx context.Context, pn string) (*models.MeasurementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[pn]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *batch
	return &copied, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
