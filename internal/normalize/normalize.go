package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
	"github.com/dess-bridge/dess-bridge-pro/internal/schema"
)

// The cloud mixes three payload shapes per device family: flat key/value
// maps, grouped lists of {id, val, unit} register entries and grouped lists
// of {par, val, unit} labeled parameters. Normalization first flattens all
// of them into one case-insensitive field index, then interprets the index
// through the devcode descriptor.

// rawField represents one flattened payload field
type rawField struct {
	// Key is the original raw key, before lowercasing.
	Key  string
	Val  interface{}
	Unit string
}

// fieldIndex is keyed by lowercased raw key
type fieldIndex map[string]rawField

// Flatten walks the payload and collects every addressable field. Parameter
// entries with a zero status are dropped, matching the cloud's own "value
// not valid" convention.
func Flatten(payload map[string]interface{}) fieldIndex {
	index := make(fieldIndex)
	flattenValue(payload, index)
	return index
}

func flattenValue(v interface{}, index fieldIndex) {
	switch val := v.(type) {
	case map[string]interface{}:
		if entry, ok := asEntry(val); ok {
			put(index, entry)
			return
		}
		for key, child := range val {
			switch child.(type) {
			case map[string]interface{}, []interface{}:
				flattenValue(child, index)
			case nil:
			default:
				put(index, rawField{Key: key, Val: child})
			}
		}
	case []interface{}:
		for _, item := range val {
			flattenValue(item, index)
		}
	}
}

// asEntry recognizes {id|par, val, ...} register entries
func asEntry(m map[string]interface{}) (rawField, bool) {
	val, hasVal := m["val"]
	if !hasVal {
		return rawField{}, false
	}

	key, _ := m["id"].(string)
	if key == "" {
		key, _ = m["par"].(string)
		if key == "" {
			return rawField{}, false
		}
		if status, ok := toFloat(m["status"]); ok && status == 0 {
			return rawField{}, false
		}
	}

	unit, _ := m["unit"].(string)
	return rawField{Key: key, Val: val, Unit: unit}, true
}

func put(index fieldIndex, f rawField) {
	if f.Val == nil {
		return
	}
	lower := strings.ToLower(f.Key)
	if _, exists := index[lower]; !exists {
		index[lower] = f
	}
}

// Normalize maps one raw payload onto measurement records through the
// devcode descriptor. It is a pure function of (descriptor, payload, now):
// identical inputs yield identical record sets.
func Normalize(dev *models.Device, payload map[string]interface{}, desc *schema.Descriptor, now time.Time) *models.MeasurementBatch {
	batch := &models.MeasurementBatch{
		ID:         uuid.New(),
		PN:         dev.PN,
		Devcode:    dev.Devcode,
		Plant:      dev.Plant,
		CapturedAt: now,
	}

	index := Flatten(payload)

	if desc.Passthrough {
		batch.Unsupported = true
		batch.Records = passthroughRecords(dev, index, now)
		return batch
	}

	for _, field := range desc.Fields {
		raw, found := lookupField(index, field.Keys)
		if !found {
			if field.Required {
				batch.Incomplete = true
				batch.MissingKeys = append(batch.MissingKeys, field.Name)
			}
			continue
		}

		record, ok := decodeField(dev.PN, field, raw, now)
		if !ok {
			if field.Required {
				batch.Incomplete = true
				batch.MissingKeys = append(batch.MissingKeys, field.Name)
			}
			continue
		}
		batch.Records = append(batch.Records, record)
	}

	return batch
}

func lookupField(index fieldIndex, keys []string) (rawField, bool) {
	for _, key := range keys {
		if raw, ok := index[strings.ToLower(key)]; ok {
			return raw, true
		}
	}
	return rawField{}, false
}

// decodeField turns one raw field into a measurement record
func decodeField(pn string, field schema.FieldLayout, raw rawField, now time.Time) (models.MeasurementRecord, bool) {
	record := models.MeasurementRecord{
		PN:        pn,
		Kind:      field.Kind,
		Name:      field.Name,
		RawKey:    raw.Key,
		Unit:      field.Unit,
		Timestamp: now,
	}

	if field.Decode == schema.DecodeText {
		text := normalizeText(raw.Val, field.Enum)
		if text == "" {
			return record, false
		}
		record.Text = text
		return record, true
	}

	value, ok := toFloat(raw.Val)
	if !ok {
		return record, false
	}

	scale := field.Scale
	if scale == 0 {
		scale = 1
	}
	value = value*scale + field.Offset

	// Power fields arrive in kW on some firmware families.
	if strings.EqualFold(raw.Unit, "kW") && field.Unit == "W" {
		value *= 1000
	}

	switch field.Decode {
	case schema.DecodeClampPositive:
		if value < 0 {
			value = 0
		}
	case schema.DecodeAbsNegative:
		if value < 0 {
			value = -value
		} else {
			value = 0
		}
	}

	record.Value = value
	return record, true
}

// normalizeText maps a raw enumerated value onto its canonical label. Keys
// like "0.0" collapse to "0" first; unmapped values pass through verbatim.
func normalizeText(v interface{}, enum map[string]string) string {
	s := strings.TrimSpace(fmt.Sprintf("%v", v))
	if s == "" {
		return ""
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		s = strconv.FormatInt(int64(f), 10)
	}

	if enum != nil {
		if mapped, ok := enum[strings.ToUpper(s)]; ok {
			return mapped
		}
	}
	return s
}

// passthroughRecords preserves every non-null raw field verbatim for
// devcodes without a descriptor, sorted for deterministic output
func passthroughRecords(dev *models.Device, index fieldIndex, now time.Time) []models.MeasurementRecord {
	lowers := make([]string, 0, len(index))
	for lower := range index {
		lowers = append(lowers, lower)
	}
	sort.Strings(lowers)

	records := make([]models.MeasurementRecord, 0, len(lowers))
	for _, lower := range lowers {
		raw := index[lower]
		record := models.MeasurementRecord{
			PN:        dev.PN,
			Kind:      models.KindRaw,
			Name:      raw.Key,
			RawKey:    raw.Key,
			Text:      stringify(raw.Val),
			Unit:      raw.Unit,
			Timestamp: now,
		}
		if value, ok := toFloat(raw.Val); ok {
			record.Value = value
		}
		records = append(records, record)
	}
	return records
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// toFloat parses the numeric value the cloud encodes as string, number or
// json.Number
func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
