package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a measurement describes. The vocabulary is closed:
// consumers key off these identifiers, so new raw fields map onto existing
// kinds or onto KindRaw, never onto ad hoc strings.
type Kind string

const (
	KindVoltage       Kind = "voltage"
	KindCurrent       Kind = "current"
	KindPower         Kind = "power"
	KindEnergy        Kind = "energy"
	KindFrequency     Kind = "frequency"
	KindTemperature   Kind = "temperature"
	KindStateOfCharge Kind = "state_of_charge"
	KindPercentage    Kind = "percentage"
	KindStatus        Kind = "status"
	KindFault         Kind = "fault"

	// KindRaw marks passthrough records for devcodes without a descriptor.
	KindRaw Kind = "raw"
)

// KindVocabularyVersion is bumped whenever a Kind is added.
const KindVocabularyVersion = 1

// MeasurementRecord represents one normalized telemetry value for one device
// at one point in time
type MeasurementRecord struct {
	PN        string    `json:"pn" db:"pn"`
	Kind      Kind      `json:"kind" db:"kind"`
	Name      string    `json:"name" db:"name"`
	RawKey    string    `json:"rawKey,omitempty" db:"raw_key"`
	Value     float64   `json:"value" db:"value"`
	Text      string    `json:"text,omitempty" db:"text"`
	Unit      string    `json:"unit,omitempty" db:"unit"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// MeasurementBatch represents the atomic output of one successful poll of one
// device. Records are never emitted individually.
type MeasurementBatch struct {
	ID          uuid.UUID           `json:"id"`
	PN          string              `json:"pn"`
	Devcode     int                 `json:"devcode"`
	Plant       string              `json:"plant,omitempty"`
	CapturedAt  time.Time           `json:"capturedAt"`
	Records     []MeasurementRecord `json:"records"`
	Incomplete  bool                `json:"incomplete,omitempty"`
	Unsupported bool                `json:"unsupported,omitempty"`
	// MissingKeys lists required descriptor keys absent from the payload
	// when Incomplete is set.
	MissingKeys []string `json:"missingKeys,omitempty"`
}
