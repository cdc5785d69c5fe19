package models

import (
	"time"
)

// Device represents a registered datalogger/inverter discovered from the
// vendor cloud. PN is the datalogger serial and the stable identity; devcode
// selects the payload schema.
type Device struct {
	PN      string `json:"pn" db:"pn"`
	SN      string `json:"sn" db:"sn"`
	Devcode int    `json:"devcode" db:"devcode"`
	Devaddr int    `json:"devaddr" db:"devaddr"`
	Alias   string `json:"alias,omitempty" db:"alias"`
	Plant   string `json:"plant,omitempty" db:"plant"`
	Status  int    `json:"status" db:"status"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// PollPhase represents where a device is in its poll state machine
type PollPhase string

const (
	PollPhaseIdle     PollPhase = "IDLE"
	PollPhaseFetching PollPhase = "FETCHING"
)

// PollState represents the per-device poll cycle state the coordinator
// maintains and the diagnostics API exposes
type PollState struct {
	PN          string    `json:"pn" db:"pn"`
	Phase       PollPhase `json:"phase" db:"phase"`
	LastSuccess time.Time `json:"lastSuccess,omitempty" db:"last_success"`
	LastAttempt time.Time `json:"lastAttempt,omitempty" db:"last_attempt"`
	LastError   string    `json:"lastError,omitempty" db:"last_error"`
	// Failures counts consecutive failed polls; it drives backoff and
	// resets to zero on the first success.
	Failures int `json:"failures" db:"failures"`
	// NextEligible is the earliest instant the scheduler may start the
	// next fetch for this device.
	NextEligible time.Time `json:"nextEligible,omitempty" db:"next_eligible"`
	// Unsupported is set when the devcode has no descriptor and the device
	// degrades to raw passthrough.
	Unsupported bool `json:"unsupported,omitempty" db:"unsupported"`
	// Excluded is set on a permanent cloud-side rejection; the device is
	// skipped until rediscovery clears it.
	Excluded bool `json:"excluded,omitempty" db:"excluded"`
}

// RawSnapshot represents the last raw payload captured for a device, kept for
// troubleshooting unmapped devcodes
type RawSnapshot struct {
	PN         string                 `json:"pn" db:"pn"`
	Devcode    int                    `json:"devcode" db:"devcode"`
	CapturedAt time.Time              `json:"capturedAt" db:"captured_at"`
	Payload    map[string]interface{} `json:"payload" db:"payload"`
}
