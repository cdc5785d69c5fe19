package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/dess"
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
	"github.com/dess-bridge/dess-bridge-pro/internal/normalize"
	"github.com/dess-bridge/dess-bridge-pro/internal/schema"
	"github.com/dess-bridge/dess-bridge-pro/internal/storage"
)

// CloudAPI is the slice of the cloud client the coordinator drives
type CloudAPI interface {
	ListDevices(ctx context.Context) ([]*models.Device, error)
	ListCollectors(ctx context.Context) ([]*models.Device, error)
	FetchLastData(ctx context.Context, dev *models.Device) (dess.RawPayload, error)
	FetchEnergyFlow(ctx context.Context, dev *models.Device) (dess.RawPayload, error)
	FetchParameters(ctx context.Context, dev *models.Device) (dess.RawPayload, error)
}

// Emitter receives coordinator output. Implemented by the integration
// forwarder; a nil emitter drops output on the floor.
type Emitter interface {
	EmitBatch(ctx context.Context, batch *models.MeasurementBatch) error
	EmitDiscovery(ctx context.Context, devices []*models.Device) error
}

// Coordinator owns the poll cycle: device discovery, per-device scheduling,
// fetch fan-out and normalization. One fetch per device at a time; a tick
// that lands while a device is still fetching is skipped, never queued.
type Coordinator struct {
	cfg      *config.PollingConfig
	api      CloudAPI
	registry *schema.Registry
	store    storage.Store
	emitter  Emitter

	mu      sync.Mutex
	devices map[string]*models.Device
	states  map[string]*models.PollState
	// authBlocked suspends all device fetches after an auth failure;
	// the next successful discovery pass clears it.
	authBlocked bool

	sem chan struct{}
	now func() time.Time
	wg  sync.WaitGroup
}

// New creates a poll coordinator
func New(cfg *config.PollingConfig, api CloudAPI, registry *schema.Registry, store storage.Store, emitter Emitter) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		api:      api,
		registry: registry,
		store:    store,
		emitter:  emitter,
		devices:  make(map[string]*models.Device),
		states:   make(map[string]*models.PollState),
		sem:      make(chan struct{}, cfg.MaxInFlight),
		now:      time.Now,
	}
}

// Run drives discovery and the poll scheduler until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.Discover(ctx); err != nil {
		log.Error().Err(err).Msg("Initial device discovery failed")
	}

	discoveryTicker := time.NewTicker(c.cfg.DiscoveryInterval)
	defer discoveryTicker.Stop()

	// Wake often enough that staggered per-device deadlines stay accurate.
	tick := c.cfg.Interval / 10
	if tick < time.Second {
		tick = time.Second
	}
	scheduler := time.NewTicker(tick)
	defer scheduler.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case <-discoveryTicker.C:
			if err := c.Discover(ctx); err != nil {
				log.Error().Err(err).Msg("Device discovery failed")
			}
		case <-scheduler.C:
			c.Dispatch(ctx)
		}
	}
}

// Discover refreshes the device inventory from the cloud. A successful pass
// also clears auth blocking and permanent exclusions, so discovery doubles
// as the re-probe after credential or device-side failures.
func (c *Coordinator) Discover(ctx context.Context) error {
	devices, err := c.api.ListDevices(ctx)
	if err != nil {
		if dess.IsAuth(err) {
			c.mu.Lock()
			c.authBlocked = true
			c.mu.Unlock()
			log.Error().Err(err).Msg("Discovery rejected for auth, polling suspended")
		}
		return err
	}

	collectors, err := c.api.ListCollectors(ctx)
	if err != nil {
		// Collector inventory is informational, keep the device list.
		log.Warn().Err(err).Msg("Collector discovery failed")
	}
	collectorStatus := make(map[string]int, len(collectors))
	for _, col := range collectors {
		collectorStatus[col.PN] = col.Status
	}

	now := c.now()
	c.mu.Lock()
	c.authBlocked = false

	seen := make(map[string]bool, len(devices))
	for i, dev := range devices {
		seen[dev.PN] = true
		if status, ok := collectorStatus[dev.PN]; ok {
			dev.Status = status
		}
		c.devices[dev.PN] = dev

		state, ok := c.states[dev.PN]
		if !ok {
			state = &models.PollState{
				PN:    dev.PN,
				Phase: models.PollPhaseIdle,
				// Stagger first polls across the interval so a large
				// fleet does not hit the cloud in one burst.
				NextEligible: now.Add(time.Duration(i) * c.cfg.Interval / time.Duration(len(devices))),
			}
			c.states[dev.PN] = state
		}
		state.Unsupported = !c.registry.Known(dev.Devcode)
		state.Excluded = c.cfg.DeviceDisabled(dev.PN)
	}
	for pn := range c.devices {
		if !seen[pn] {
			delete(c.devices, pn)
			delete(c.states, pn)
		}
	}
	count := len(c.devices)
	c.mu.Unlock()

	log.Info().Int("devices", count).Int("collectors", len(collectors)).Msg("Device discovery complete")

	for _, dev := range devices {
		if err := c.store.SaveDevice(ctx, dev); err != nil {
			log.Error().Err(err).Str("pn", dev.PN).Msg("Failed to persist device")
		}
	}
	if c.emitter != nil {
		if err := c.emitter.EmitDiscovery(ctx, devices); err != nil {
			log.Error().Err(err).Msg("Failed to emit discovery event")
		}
	}
	return nil
}

// Dispatch starts a fetch for every device that is due. Devices already
// fetching, excluded, or not yet eligible are skipped; when the global
// in-flight cap is reached the remaining due devices wait for the next tick.
func (c *Coordinator) Dispatch(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	if c.authBlocked {
		c.mu.Unlock()
		return
	}
	var due []*models.Device
	for pn, state := range c.states {
		if state.Phase == models.PollPhaseFetching || state.Excluded {
			continue
		}
		if now.Before(state.NextEligible) {
			continue
		}
		dev := c.devices[pn]
		if dev == nil {
			continue
		}
		state.Phase = models.PollPhaseFetching
		state.LastAttempt = now
		due = append(due, dev)
	}
	c.mu.Unlock()

	for _, dev := range due {
		select {
		case c.sem <- struct{}{}:
		default:
			// Cap reached; release the claim and try again next tick.
			c.finishWithoutAttempt(dev.PN)
			continue
		}
		c.wg.Add(1)
		go func(dev *models.Device) {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			c.pollDevice(ctx, dev)
		}(dev)
	}
}

func (c *Coordinator) finishWithoutAttempt(pn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[pn]; ok {
		state.Phase = models.PollPhaseIdle
	}
}

func (c *Coordinator) pollDevice(ctx context.Context, dev *models.Device) {
	batch, err := c.fetchAndNormalize(ctx, dev)
	if err != nil {
		c.recordFailure(dev.PN, err)
		return
	}
	c.recordSuccess(dev.PN, batch)

	if err := c.store.SaveBatch(ctx, batch); err != nil {
		log.Error().Err(err).Str("pn", dev.PN).Msg("Failed to persist batch")
	}
	if c.emitter != nil {
		if err := c.emitter.EmitBatch(ctx, batch); err != nil {
			log.Error().Err(err).Str("pn", dev.PN).Msg("Failed to emit batch")
		}
	}
}

// fetchAndNormalize runs the read endpoints for one device and merges their
// payloads into a single flat snapshot before normalization. Last-data is
// mandatory; energy-flow and parameters enrich it when available.
func (c *Coordinator) fetchAndNormalize(ctx context.Context, dev *models.Device) (*models.MeasurementBatch, error) {
	payload, err := c.api.FetchLastData(ctx, dev)
	if err != nil {
		return nil, err
	}

	if flow, err := c.api.FetchEnergyFlow(ctx, dev); err != nil {
		log.Debug().Err(err).Str("pn", dev.PN).Msg("Energy flow fetch failed")
	} else {
		mergePayload(payload, flow)
	}
	if pars, err := c.api.FetchParameters(ctx, dev); err != nil {
		log.Debug().Err(err).Str("pn", dev.PN).Msg("Parameter fetch failed")
	} else {
		mergePayload(payload, pars)
	}

	now := c.now()
	snapshot := &models.RawSnapshot{
		PN:         dev.PN,
		Devcode:    dev.Devcode,
		CapturedAt: now,
		Payload:    payload,
	}
	if err := c.store.SaveRawSnapshot(ctx, snapshot); err != nil {
		log.Error().Err(err).Str("pn", dev.PN).Msg("Failed to persist raw snapshot")
	}

	desc := c.registry.Lookup(dev.Devcode)
	return normalize.Normalize(dev, payload, desc, now), nil
}

func mergePayload(dst, src dess.RawPayload) {
	for key, value := range src {
		if _, exists := dst[key]; !exists {
			dst[key] = value
		}
	}
}

func (c *Coordinator) recordSuccess(pn string, batch *models.MeasurementBatch) {
	now := c.now()
	c.mu.Lock()
	state, ok := c.states[pn]
	if ok {
		state.Phase = models.PollPhaseIdle
		state.LastSuccess = now
		state.LastError = ""
		state.Failures = 0
		state.NextEligible = now.Add(c.cfg.Interval)
		state.Unsupported = batch.Unsupported
	}
	var copied models.PollState
	if ok {
		copied = *state
	}
	c.mu.Unlock()

	if ok {
		c.persistState(&copied)
	}
	log.Debug().Str("pn", pn).Int("records", len(batch.Records)).Bool("unsupported", batch.Unsupported).Msg("Poll complete")
}

func (c *Coordinator) recordFailure(pn string, err error) {
	kind := dess.Classify(err)
	now := c.now()

	c.mu.Lock()
	state, ok := c.states[pn]
	if ok {
		state.Phase = models.PollPhaseIdle
		state.LastError = err.Error()

		switch kind {
		case dess.KindRateLimited:
			// Not the device's fault: hold off without growing backoff.
			delay := dess.SuggestedDelay(err)
			if delay <= 0 {
				delay = c.cfg.RateLimitDelay
			}
			state.NextEligible = now.Add(delay)
		case dess.KindAuth:
			c.authBlocked = true
			state.NextEligible = now.Add(c.cfg.Interval)
		case dess.KindPermanent:
			state.Failures++
			state.Excluded = true
		default:
			state.Failures++
			state.NextEligible = now.Add(Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, state.Failures))
		}
	}
	var copied models.PollState
	if ok {
		copied = *state
	}
	c.mu.Unlock()

	if ok {
		c.persistState(&copied)
	}
	log.Warn().Err(err).Str("pn", pn).Str("kind", string(kind)).Msg("Poll failed")
}

func (c *Coordinator) persistState(state *models.PollState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SavePollState(ctx, state); err != nil {
		log.Error().Err(err).Str("pn", state.PN).Msg("Failed to persist poll state")
	}
}

// Backoff returns the delay before retry number failures+1. Doubles per
// consecutive failure from base, capped at max.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// States returns a snapshot of every device poll state sorted by nothing in
// particular; callers sort as needed.
func (c *Coordinator) States() []*models.PollState {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make([]*models.PollState, 0, len(c.states))
	for _, state := range c.states {
		copied := *state
		states = append(states, &copied)
	}
	return states
}

// State returns the poll state for one device
func (c *Coordinator) State(pn string) (*models.PollState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[pn]
	if !ok {
		return nil, false
	}
	copied := *state
	return &copied, true
}

// AuthBlocked reports whether polling is suspended on an auth failure
func (c *Coordinator) AuthBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authBlocked
}
