package controller

import (
	"fmt"

	"github.com/msteppuhn/ess-controller/internal/vebus"
)

// Snapshot is one phase's (or the accumulated) telemetry view. It
// carries the native vebus names (UBat, IBat, InverterPower1/2,
// OutputPower, ChargeState) alongside the snake_case aliases and
// calculated fields (bat_u, bat_i, bat_p, mains_p_calc, inv_p_calc,
// own_p_calc) that the published JSON and the display widget read
// from; external subscribers depend on both sets.
type Snapshot map[string]any

// accumulatedNumericFields are the power-like fields summed across
// phases when building the accumulated view; every other key is copied
// from phase 1 as-is.
var accumulatedNumericFields = []string{
	"bat_i", "bat_p", "inv_p", "inv_p_calc", "mains_i", "mains_p_calc",
	"out_p", "own_p_calc",
	"IBat", "InverterPower1", "InverterPower2", "OutputPower",
}

// accumulate sums the power-like fields across all three phase
// snapshots and copies everything else from phase 1. A nil phase slot
// (not yet populated this process lifetime) contributes zero.
func accumulate(perPhase [3]Snapshot) Snapshot {
	acc := Snapshot{}
	if perPhase[0] != nil {
		for k, v := range perPhase[0] {
			acc[k] = v
		}
	}
	for _, key := range accumulatedNumericFields {
		var sum float64
		for _, s := range perPhase {
			if s == nil {
				continue
			}
			if v, ok := s[key].(float64); ok {
				sum += v
			}
		}
		acc[key] = sum
	}
	return acc
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// snapshotIDs are the RAM variables fetchTelemetry latches and reads
// back on every cycle.
var snapshotIDs = []vebus.RAMVar{
	vebus.RAMInverterPower2,
	vebus.RAMOutputPower,
	vebus.RAMUBat,
	vebus.RAMIBat,
	vebus.RAMChargeState,
	vebus.RAMInverterPower1,
}

func buildSnapshot(phase int, ac vebus.ACInfo, vals map[vebus.RAMVar]float64) Snapshot {
	uBat := vals[vebus.RAMUBat]
	iBat := vals[vebus.RAMIBat]
	invP1 := vals[vebus.RAMInverterPower1]
	invP2 := vals[vebus.RAMInverterPower2]
	outP := vals[vebus.RAMOutputPower]
	chargeState := vals[vebus.RAMChargeState]

	mainsPCalc := ac.MainsVoltage * ac.MainsCurrent
	invPCalc := ac.InverterVoltage * ac.InverterCurrent

	return Snapshot{
		"phase":             phase,
		"device_state_id":   int(ac.DeviceState),
		"device_state_name": ac.DeviceState.String(),
		"state":             ac.DeviceState.String(),
		"phase_info":        int(ac.Phase),
		"phase_info_name":   ac.Phase.String(),
		"bf_factor":         ac.BackFactor,
		"inv_factor":        ac.InverterFactor,
		"mains_period":      ac.MainsPeriod,

		"mains_u":      ac.MainsVoltage,
		"mains_i":      ac.MainsCurrent,
		"inv_u":        ac.InverterVoltage,
		"inv_i":        ac.InverterCurrent,
		"mains_p_calc": mainsPCalc,
		"inv_p_calc":   invPCalc,
		"own_p_calc":   mainsPCalc - invPCalc,

		"bat_u": uBat,
		"bat_i": iBat,
		"bat_p": uBat * iBat,
		"inv_p": invP2,
		"out_p": outP,
		"soc":   chargeState,

		"UBat":           uBat,
		"IBat":           iBat,
		"ChargeState":    chargeState,
		"InverterPower1": invP1,
		"InverterPower2": invP2,
		"OutputPower":    outP,
	}
}

func hasRequiredWatchdogKeys(s Snapshot) bool {
	for _, k := range []string{"bat_u", "bat_i", "mains_i", "inv_i"} {
		if _, ok := s[k]; !ok {
			return false
		}
	}
	return true
}

func displayWidget(acc Snapshot) map[string]any {
	return map[string]any{
		"title": "Victron",
		"color": 22142,
		"main": map[string]any{
			"unit": "%",
			"Bat":  toFloat(acc["soc"]),
		},
		"stand0": map[string]any{
			"unit":  "",
			"State": fmt.Sprintf("%v/%v", acc["state"], acc["device_state_id"]),
		},
		"stand1": map[string]any{
			"unit": "W",
			"Bat":  fmt.Sprintf("%.1f", toFloat(acc["bat_p"])),
		},
		"stand2": map[string]any{
			"unit": "A",
			"Bat":  fmt.Sprintf("%.1f", toFloat(acc["bat_i"])),
		},
	}
}
