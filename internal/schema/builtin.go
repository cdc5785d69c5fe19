package schema

import (
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// Output-priority labels differ per firmware family; the cloud mixes short
// codes, long labels and bare numeric keys. Everything funnels into
// Utility/Solar/SBU/SUB/SUF.
var outputPriorityEnum = map[string]string{
	"UTI":           "Utility",
	"UTILITY":       "Utility",
	"UTILITY FIRST": "Utility",
	"SOL":           "Solar",
	"SOLAR":         "Solar",
	"SOLAR FIRST":   "Solar",
	"SBU":           "SBU",
	"SBU FIRST":     "SBU",
	"SUB":           "SUB",
	"SUF":           "SUF",
}

var chargePriorityEnum = map[string]string{
	"0":               "Utility First",
	"1":               "PV First",
	"2":               "PV Is At The Same Level As Utility",
	"3":               "PV Is At The Same Level As Utility",
	"UTILITY FIRST":   "Utility First",
	"PV FIRST":        "PV First",
	"ONLY PV":         "Only PV",
	"SOLAR PRIORITY":  "PV First",
	"SOLAR AND MAINS": "PV Is At The Same Level As Utility",
	"SOLAR ONLY":      "Only PV",
	"PV IS AT THE SAME LEVEL AS UTILITY": "PV Is At The Same Level As Utility",
	"PV IS AT THE SAME LEVEL AS MAINS":   "PV Is At The Same Level As Utility",
	"N/A":                                "None",
}

// builtinDescriptors returns the shipped devcode tables. Field keys were
// captured from real cloud payload dumps per firmware family.
func builtinDescriptors() []*Descriptor {
	return []*Descriptor{
		// Legacy PV18-class firmware: compact raw keys, tenths scaling.
		{
			Devcode: 2341,
			Version: 2,
			Fields: []FieldLayout{
				{Name: "grid_input_voltage", Kind: models.KindVoltage, Unit: "V",
					Keys: []string{"vol", "grid_input_voltage", "Grid Voltage"}, Scale: 0.1},
				{Name: "output_current", Kind: models.KindCurrent, Unit: "A",
					Keys: []string{"cur", "output_current", "Output Current"}, Scale: 0.1},
				{Name: "battery_voltage", Kind: models.KindVoltage, Unit: "V",
					Keys: []string{"bat_vol", "battery_voltage", "Battery Voltage"}, Scale: 0.1},
				{Name: "battery_capacity", Kind: models.KindStateOfCharge, Unit: "%",
					Keys: []string{"bat_cap", "battery_capacity", "Battery Capacity"}},
				{Name: "active_load_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"load_power", "active_load_power", "Active Load Power"}},
				{Name: "active_load_percentage", Kind: models.KindPercentage, Unit: "%",
					Keys: []string{"load_per", "active_load_percentage", "Load Percentage"}},
				{Name: "grid_frequency", Kind: models.KindFrequency, Unit: "Hz",
					Keys: []string{"freq", "grid_frequency", "Grid Frequency"}, Scale: 0.1},
				{Name: "pv_voltage", Kind: models.KindVoltage, Unit: "V",
					Keys: []string{"pv_vol", "pv_voltage", "PV Voltage"}, Scale: 0.1},
				{Name: "inv_temperature", Kind: models.KindTemperature, Unit: "°C",
					Keys: []string{"inv_temp", "inv_temperature", "INV Module Temperature"}},
				{Name: "output_priority", Kind: models.KindStatus,
					Keys:   []string{"los_output_source_priority", "Output priority"},
					Decode: DecodeText,
					Enum: map[string]string{
						"0": "Utility", "1": "Solar", "2": "SBU",
						"UTI": "Utility", "SOL": "Solar", "SBU": "SBU",
					}},
				{Name: "charge_priority", Kind: models.KindStatus,
					Keys:   []string{"los_charger_source_priority", "Charge priority"},
					Decode: DecodeText, Enum: chargePriorityEnum},
				{Name: "fault_code", Kind: models.KindFault,
					Keys: []string{"fault_code", "Fault Code"}, Decode: DecodeText},
			},
		},

		// Eybond read-register firmware: bt_/sy_ register ids plus labeled
		// pars. The battery current register is sign-combined.
		{
			Devcode: 2376,
			Version: 3,
			Fields: []FieldLayout{
				{Name: "battery_voltage", Kind: models.KindVoltage, Unit: "V", Required: true,
					Keys: []string{"bt_eybond_read_28", "battery_voltage", "Battery Voltage"}},
				{Name: "battery_charging_current", Kind: models.KindCurrent, Unit: "A",
					Keys:   []string{"bt_eybond_read_29", "Battery Current"},
					Decode: DecodeClampPositive},
				{Name: "battery_discharge_current", Kind: models.KindCurrent, Unit: "A",
					Keys:   []string{"bt_eybond_read_29", "Battery Current"},
					Decode: DecodeAbsNegative},
				{Name: "battery_capacity", Kind: models.KindStateOfCharge, Unit: "%",
					Keys: []string{"bt_eybond_read_30", "Battery Capacity"}},
				{Name: "grid_input_voltage", Kind: models.KindVoltage, Unit: "V",
					Keys: []string{"gd_eybond_read_20", "Grid Voltage"}},
				{Name: "grid_frequency", Kind: models.KindFrequency, Unit: "Hz",
					Keys: []string{"gd_eybond_read_21", "Grid Frequency"}},
				{Name: "grid_in_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"gd_eybond_read_23", "Grid Active Power"}},
				{Name: "pv_voltage", Kind: models.KindVoltage, Unit: "V",
					Keys: []string{"pv_eybond_read_35", "PV Voltage", "PV Input Voltage"}},
				{Name: "pv_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"pv_eybond_read_37", "PV Power", "PV Input Power"}},
				{Name: "active_load_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"bc_eybond_read_44", "Load Active Power", "Active Load Power"}},
				{Name: "active_load_percentage", Kind: models.KindPercentage, Unit: "%",
					Keys: []string{"bc_eybond_read_46", "Load Percentage"}},
				{Name: "inv_temperature", Kind: models.KindTemperature, Unit: "°C",
					Keys: []string{"sy_eybond_read_48", "INV Module Temperature"}},
				{Name: "output_priority", Kind: models.KindStatus,
					Keys:   []string{"sy_eybond_read_49", "Output priority"},
					Decode: DecodeText, Enum: outputPriorityEnum},
				{Name: "charge_priority", Kind: models.KindStatus,
					Keys:   []string{"bt_eybond_read_32", "Charge priority", "Charger Source Priority"},
					Decode: DecodeText, Enum: chargePriorityEnum},
				{Name: "fault_code", Kind: models.KindFault,
					Keys: []string{"sy_eybond_read_50", "Fault Code"}, Decode: DecodeText},
			},
		},

		// BSE-register firmware: battery power is reported sign-combined
		// and often in kW; priorities use numeric register keys.
		{
			Devcode: 2428,
			Version: 2,
			Fields: []FieldLayout{
				{Name: "battery_voltage", Kind: models.KindVoltage, Unit: "V", Required: true,
					Keys: []string{"bse_battery_voltage", "Battery Voltage"}},
				{Name: "battery_charging_power", Kind: models.KindPower, Unit: "W",
					Keys:   []string{"bse_battery_active_power", "Battery Active Power"},
					Decode: DecodeClampPositive},
				{Name: "battery_discharge_power", Kind: models.KindPower, Unit: "W",
					Keys:   []string{"bse_battery_active_power", "Battery Active Power"},
					Decode: DecodeAbsNegative},
				{Name: "battery_capacity", Kind: models.KindStateOfCharge, Unit: "%",
					Keys: []string{"bse_battery_capacity", "Battery Capacity"}},
				{Name: "grid_input_voltage", Kind: models.KindVoltage, Unit: "V",
					Keys: []string{"bse_grid_voltage", "Grid Voltage"}},
				{Name: "grid_frequency", Kind: models.KindFrequency, Unit: "Hz",
					Keys: []string{"bse_grid_frequency", "Grid Frequency"}},
				{Name: "grid_in_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"bse_grid_active_power", "Grid Active Power"}},
				{Name: "pv_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"bse_pv_power", "PV Power"}},
				{Name: "pv2_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"bse_pv2_power", "PV2 Power"}},
				{Name: "active_load_power", Kind: models.KindPower, Unit: "W",
					Keys: []string{"bse_load_active_power", "Load Active Power"}},
				{Name: "dc_module_temperature", Kind: models.KindTemperature, Unit: "°C",
					Keys: []string{"bse_dc_temperature", "DC Module Temperature"}},
				{Name: "inv_temperature", Kind: models.KindTemperature, Unit: "°C",
					Keys: []string{"bse_inv_temperature", "INV Module Temperature"}},
				{Name: "output_priority", Kind: models.KindStatus,
					Keys:   []string{"bse_output_source_priority", "Output priority"},
					Decode: DecodeText,
					Enum: map[string]string{
						"12336": "Utility", "12337": "Solar", "12338": "SBU",
						"UTI": "Utility", "SOL": "Solar", "SBU": "SBU", "SUB": "SUB",
					}},
				{Name: "fault_code", Kind: models.KindFault,
					Keys: []string{"bse_fault_code", "Fault Code"}, Decode: DecodeText},
			},
		},
	}
}
