package controller

import "time"

// Config is the subset of runtime-tunable VICTRON settings the setpoint
// algorithm reads every cycle. It is held behind an atomic pointer so a
// SIGHUP config reload (replacing the whole struct) and a soc_min/
// soc_max bus rebind (replacing one field) never race the meter-event
// goroutine reading it mid-cycle.
type Config struct {
	MaxCharge     float64       // W, upper bound on setpoint
	MaxInvert     float64       // W, base for the dynamic invert floor
	MaxSoC        float64       // percent, upper cutoff
	MinSoC        float64       // percent, lower cutoff
	SoCHysteresis float64       // percent, widening after crossing
	SleepTimeout  time.Duration // time in standby before the inverter is put to sleep
	SleepEnabled  bool
}

// DefaultSleepTimeout is the VICTRON.SLEEP_TIMEOUT default.
const DefaultSleepTimeout = 3600 * time.Second
