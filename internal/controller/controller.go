// Package controller implements the setpoint regulator (C5): it fuses
// smart-meter, BMS and MPPT readings with the inverter's own telemetry
// into a rate-limited, SoC-hysteresis-gated power setpoint, rotating the
// write target across the three phases and republishing accumulated
// telemetry and a display widget.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/exp/constraints"

	"github.com/msteppuhn/ess-controller/internal/vebus"
)

// clamp bounds v to [lo, hi].
func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const (
	// maxRamp bounds how far the setpoint may move in a single meter
	// event, regardless of the proportional term.
	maxRamp = 400.0

	// bmsFreshWindow is how long a BMS SoC update stays authoritative
	// before the controller falls back to the inverter's own
	// ChargeState.
	bmsFreshWindow = 60 * time.Second

	// mpptFreshWindow is how long an MPPT power reading is trusted for
	// the invert-floor override.
	mpptFreshWindow = 20 * time.Second

	// standbyHoldExportThreshold: while in standby, a significantly
	// importing grid reading (sm_power_local below this, i.e. more than
	// 50 W drawn from the grid) holds the setpoint at zero instead of
	// waking the inverter for a token charge command.
	standbyHoldExportThreshold = -50.0

	// watchdogEvery is the number of successful meter-driven cycles
	// between watchdog file touches.
	watchdogEvery = 10

	// invertFloorMinimum is the dynamic invert-floor's absolute
	// minimum: the battery always keeps at least this much discharge
	// headroom.
	invertFloorMinimum = 300.0

	// mpptOverrideMargin is subtracted from a fresh MPPT reading before
	// it is allowed to raise the invert floor, leaving headroom so
	// discharging down to bypass solar doesn't immediately reverse.
	mpptOverrideMargin = 160.0
)

// State is the controller's single mutable instance, scoped to the
// process lifetime.
type State struct {
	SetpointW, PrevSetpointW float64
	Charging, Inverting      bool

	BMSSoC           float64
	BMSSoCFreshUntil time.Time

	MPPTPowerW     float64
	MPPTFreshUntil time.Time

	BatteryEmptySince time.Time
	Standby           bool

	CurrentPhase int // 1, 2 or 3
	PerPhase     [3]Snapshot

	WatchdogCounter int

	lastDeviceState vebus.DeviceState
}

// Controller owns the setpoint state machine. It is not safe for
// concurrent use beyond the atomic Config swap: a single event loop
// delivers every reading to it in turn.
type Controller struct {
	engine   Engine
	bus      Publisher
	watchdog Watchdog
	log      *slog.Logger

	cfg atomic.Pointer[Config]
	now func() time.Time

	state State
}

// New builds a Controller. bus and watchdog may be nil, in which case
// publishing and watchdog touches are silently skipped (useful for
// --dump-style debug invocations that only want the setpoint math).
func New(engine Engine, bus Publisher, watchdog Watchdog, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		engine:   engine,
		bus:      bus,
		watchdog: watchdog,
		log:      log,
		now:      time.Now,
	}
	c.cfg.Store(&cfg)
	c.state.CurrentPhase = 1
	return c
}

// State returns a copy of the controller's current state, for
// publishing/diagnostics/tests.
func (c *Controller) State() State { return c.state }

// Config returns the currently active runtime config.
func (c *Controller) Config() Config { return *c.cfg.Load() }

// ReplaceConfig atomically swaps in a whole new Config, as a SIGHUP
// config-file reload does.
func (c *Controller) ReplaceConfig(cfg Config) { c.cfg.Store(&cfg) }

func (c *Controller) updateConfig(fn func(*Config)) {
	cur := *c.cfg.Load()
	fn(&cur)
	c.cfg.Store(&cur)
}

// OnSoCMinUpdate rebinds VICTRON.MIN_SOC from a soc_min bus message.
func (c *Controller) OnSoCMinUpdate(v float64) {
	c.updateConfig(func(cfg *Config) { cfg.MinSoC = v })
}

// OnSoCMaxUpdate rebinds VICTRON.MAX_SOC from a soc_max bus message.
func (c *Controller) OnSoCMaxUpdate(v float64) {
	c.updateConfig(func(cfg *Config) { cfg.MaxSoC = v })
}

// OnBMS records a fresh SoC/voltage sample from the BMS.
func (c *Controller) OnBMS(soc, packVoltage float64) {
	c.state.BMSSoC = soc
	c.state.BMSSoCFreshUntil = c.now().Add(bmsFreshWindow)
	c.log.Info("bms update", "soc", soc, "pack_voltage", packVoltage)
}

// OnMPPT records a fresh panel-power sample from the MPPT controller.
func (c *Controller) OnMPPT(ppv float64) {
	c.state.MPPTPowerW = ppv
	c.state.MPPTFreshUntil = c.now().Add(mpptFreshWindow)
	c.log.Info("mppt power", "ppv", ppv)
}

// OnCmd dispatches the four control-topic commands. Unknown commands
// are warned on and otherwise ignored.
func (c *Controller) OnCmd(ctx context.Context, cmd string) error {
	switch cmd {
	case "reset":
		c.log.Info("cmd: reset")
		return c.engine.ResetDevice(0)
	case "sleep":
		c.log.Info("cmd: sleep")
		return c.engine.Sleep()
	case "wakeup":
		c.log.Info("cmd: wakeup")
		return c.engine.Wakeup()
	case "fetch_data":
		c.log.Info("cmd: fetch_data")
		return c.fetchDebugData(ctx)
	default:
		c.log.Warn("unknown cmd", "cmd", cmd)
		return nil
	}
}

// fetchDebugData dumps each phase's AC-info/snapshot plus its raw
// setting-flag registers and a handful of interesting settings to the
// fetch_data topic.
func (c *Controller) fetchDebugData(ctx context.Context) error {
	result := map[string]any{}
	for phase := 1; phase <= 3; phase++ {
		snap, err := c.fetchTelemetry(ctx, phase)
		if err != nil {
			c.log.Warn("fetch_data telemetry failed", "phase", phase, "err", err)
			continue
		}
		if flag0, err := c.engine.ReadSetting(ctx, 0, phase); err == nil {
			snap["flag0_16_text"] = fmt.Sprintf("%016b", flag0)
		}
		if flag1, err := c.engine.ReadSetting(ctx, 1, phase); err == nil {
			snap["flag16_31_text"] = fmt.Sprintf("%016b", flag1)
		}
		if phase == 1 {
			for _, id := range []byte{2, 11, 15, 64} {
				if v, err := c.engine.ReadSetting(ctx, id, phase); err == nil {
					snap[fmt.Sprintf("setting_%d", id)] = v
				}
			}
		}
		result[fmt.Sprintf("phase%d", phase)] = snap
	}
	if c.bus == nil {
		return nil
	}
	return c.bus.PublishFetchData(result)
}

func (c *Controller) fetchTelemetry(ctx context.Context, phase int) (Snapshot, error) {
	ac, err := c.engine.GetACInfo(ctx, phase)
	if err != nil {
		return nil, fmt.Errorf("controller: ac info: %w", err)
	}
	vals, err := c.engine.ReadSnapshot(ctx, snapshotIDs, phase)
	if err != nil {
		return nil, fmt.Errorf("controller: snapshot: %w", err)
	}
	return buildSnapshot(phase, ac, vals), nil
}

// maxInvertDynamic computes the discharge bound: a tanh-shaped floor
// scaled by SoC headroom above min_soc, raised by a fresh MPPT reading
// when that would permit discharging further to bypass solar into the
// grid, and never below invertFloorMinimum.
func (c *Controller) maxInvertDynamic(cfg Config) float64 {
	base := math.Tanh((c.state.BMSSoC-cfg.MinSoC)/10) * cfg.MaxInvert
	if c.now().Before(c.state.MPPTFreshUntil) {
		if c.state.MPPTPowerW-mpptOverrideMargin > base {
			base = c.state.MPPTPowerW - mpptOverrideMargin
		}
	}
	return math.Max(invertFloorMinimum, base)
}

// OnMeterPower runs the full setpoint algorithm for one meter event.
// gridPowerW is the smart meter's published power field: positive means
// the house is importing from the grid. Internally this is negated
// before the proportional term is applied, so a positive local value
// means the house is exporting.
func (c *Controller) OnMeterPower(ctx context.Context, gridPowerW float64) error {
	snap, err := c.fetchTelemetry(ctx, c.state.CurrentPhase)
	if err != nil {
		c.log.Warn("victron not ok", "err", err)
		c.rotatePhase()
		return err
	}
	c.state.PerPhase[c.state.CurrentPhase-1] = snap
	c.state.lastDeviceState = vebus.DeviceState(snap["device_state_id"].(int))

	now := c.now()
	if c.state.BMSSoCFreshUntil.Before(now) {
		fallback := toFloat(snap["soc"])
		c.log.Debug("no fresh bms data, using inverter ChargeState", "soc", fallback)
		c.state.BMSSoC = fallback
	}

	smLocal := -gridPowerW

	prev := c.state.SetpointW
	c.state.PrevSetpointW = prev
	gain := 0.10
	if math.Abs(prev) > 100 {
		gain = 0.30
	}
	sp := prev + math.Round(smLocal*gain)

	sp = clamp(sp, prev-maxRamp, prev+maxRamp)

	cfg := c.Config()
	maxInvertDynamic := c.maxInvertDynamic(cfg)
	sp = clamp(sp, -maxInvertDynamic, cfg.MaxCharge)

	if c.state.Standby && sp > 0 && smLocal < standbyHoldExportThreshold {
		sp = 0
	}

	c.state.SetpointW = sp

	if sp > 0 {
		maxSocEff := cfg.MaxSoC
		if c.state.Charging {
			maxSocEff += cfg.SoCHysteresis
		}
		if c.state.BMSSoC < maxSocEff {
			c.setMP2Setpoint(ctx, sp, false)
		} else {
			c.setMP2Setpoint(ctx, 0, false)
		}
	} else {
		minSocEff := cfg.MinSoC
		if c.state.Inverting {
			minSocEff -= cfg.SoCHysteresis
		}
		if c.state.BMSSoC > minSocEff {
			c.setMP2Setpoint(ctx, sp, false)
		} else {
			c.setMP2Setpoint(ctx, 0, true)
		}
	}

	c.publish(snap)
	c.touchWatchdogIfDue(snap, now)
	c.rotatePhase()
	return nil
}

func (c *Controller) publish(snap Snapshot) {
	acc := accumulate(c.state.PerPhase)
	acc["setpoint"] = c.state.SetpointW
	// Split the signed inverter power into separate in/out fields so
	// downstream gauges never have to deal with a sign convention.
	if invP := toFloat(acc["inv_p"]); invP >= 0 {
		acc["inv_p_in"], acc["inv_p_out"] = invP, 0.0
	} else {
		acc["inv_p_in"], acc["inv_p_out"] = 0.0, -invP
	}
	if c.bus == nil {
		return
	}
	if err := c.bus.PublishPhase(c.state.CurrentPhase, snap); err != nil {
		c.log.Warn("publish phase snapshot failed", "err", err)
	}
	if err := c.bus.PublishAccumulated(acc); err != nil {
		c.log.Warn("publish accumulated snapshot failed", "err", err)
	}
	if err := c.bus.PublishDisplay(displayWidget(acc)); err != nil {
		c.log.Warn("publish display widget failed", "err", err)
	}
}

// touchWatchdogIfDue rewrites the watchdog file on every
// watchdogEvery-th successful cycle. The counter only resets once a
// touch actually happens, so a cycle whose telemetry lacks the required
// keys defers the touch to the next complete cycle instead of pushing
// it out a whole period.
func (c *Controller) touchWatchdogIfDue(snap Snapshot, now time.Time) {
	c.state.WatchdogCounter++
	if c.state.WatchdogCounter < watchdogEvery {
		return
	}
	if c.watchdog == nil || !hasRequiredWatchdogKeys(snap) {
		return
	}
	c.state.WatchdogCounter = 0
	if err := c.watchdog.Touch(now); err != nil {
		c.log.Warn("watchdog touch failed", "err", err)
	}
}

func (c *Controller) rotatePhase() {
	c.state.CurrentPhase = c.state.CurrentPhase%3 + 1
}

// setMP2Setpoint applies one commanded wattage: standby entry/exit
// with a sleep-timeout gate, wakeup-on-Off, and the per-phase wire
// write at a third of the total requested wattage.
func (c *Controller) setMP2Setpoint(ctx context.Context, w float64, standby bool) {
	cfg := c.Config()

	if standby {
		if c.state.BatteryEmptySince.IsZero() {
			c.state.BatteryEmptySince = c.now()
		}
		if cfg.SleepEnabled && c.now().Sub(c.state.BatteryEmptySince) > cfg.SleepTimeout {
			c.log.Warn("battery empty past sleep timeout, entering standby")
			if err := c.engine.Sleep(); err != nil {
				c.log.Warn("sleep command failed", "err", err)
			}
			c.state.Standby = true
			c.state.BatteryEmptySince = time.Time{}
		}
	} else {
		if c.state.Standby {
			c.log.Warn("waking inverter from standby")
			if err := c.engine.Wakeup(); err != nil {
				c.log.Warn("wakeup command failed", "err", err)
			}
			c.state.Standby = false
		}
		if c.state.lastDeviceState == vebus.StateOff {
			c.log.Warn("inverter reports Off, waking")
			if err := c.engine.Wakeup(); err != nil {
				c.log.Warn("wakeup command failed", "err", err)
			}
		}
		if err := c.engine.SetPowerPhase(ctx, w/3, c.state.CurrentPhase); err != nil {
			c.log.Warn("set power phase failed", "err", err, "watts", w, "phase", c.state.CurrentPhase)
		}
	}

	switch {
	case w > 0:
		c.state.Charging, c.state.Inverting = true, false
	case w < 0:
		c.state.Charging, c.state.Inverting = false, true
	default:
		c.state.Charging, c.state.Inverting = false, false
	}
}
