package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goburrow/serial"
	"golang.org/x/sync/errgroup"

	"github.com/msteppuhn/ess-controller/internal/bms"
	"github.com/msteppuhn/ess-controller/internal/bus"
	"github.com/msteppuhn/ess-controller/internal/controller"
	"github.com/msteppuhn/ess-controller/internal/meter"
	"github.com/msteppuhn/ess-controller/internal/mppt"
	"github.com/msteppuhn/ess-controller/internal/vebus"
)

// watchdogPath is deliberately not configurable: the external
// supervisor polls this exact name in the working directory.
const watchdogPath = "watchdog.txt"

// fileWatchdog implements controller.Watchdog by rewriting a timestamp
// file an external supervisor polls.
type fileWatchdog struct{ path string }

func (w fileWatchdog) Touch(now time.Time) error {
	return os.WriteFile(w.path, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func runAgent(cfgPath string) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topics := bus.Topics{
		SmartMeter: cfg.SmartMeter.Topic,
		BMS:        cfg.BMS1.Topic,
		Victron:    cfg.Victron.Topic,
		MPPT:       cfg.Victron.MPPTTopic,
		Cmd:        cfg.Victron.CmdTopic,
		SoCMin:     cfg.Victron.SoCMinTopic,
		SoCMax:     cfg.Victron.SoCMaxTopic,
		FetchData:  cfg.Victron.FetchDataTopic,
		Display:    "display",
	}

	mc, err := bus.Connect(cfg.broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password, topics, nil)
	if err != nil {
		slog.Error("mqtt connect", "err", err)
		os.Exit(1)
	}
	defer mc.Close()

	var inverter *vebus.Client

	connectToInverter := func() error {
		if inverter != nil {
			inverter.Close()
			inverter = nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		c, err := vebus.Open(cfg.Victron.SerialPort, slog.Default())
		if err != nil {
			return fmt.Errorf("open inverter: %w", err)
		}
		if _, err := c.GetVersion(dialCtx); err != nil {
			c.Close()
			return fmt.Errorf("get version: %w", err)
		}
		if ok, err := c.InitAddress(dialCtx, 0); err != nil {
			c.Close()
			return fmt.Errorf("init address: %w", err)
		} else if !ok {
			c.Close()
			return fmt.Errorf("init address: device did not echo address")
		}
		if err := c.ScanESSAssistant(dialCtx); err != nil {
			c.Close()
			return fmt.Errorf("scan ess assistant: %w", err)
		}

		inverter = c
		return nil
	}

	if err := connectToInverter(); err != nil {
		slog.Error("failed to connect to inverter", "err", err)
		os.Exit(1)
	}

	ctl := controller.New(inverter, mc, fileWatchdog{path: watchdogPath}, cfg.controllerConfig(), slog.Default())

	if err := mc.SubscribeBMS(func(r bms.Reading) {
		ctl.OnBMS(r.SoC, r.Voltage)
	}); err != nil {
		slog.Warn("subscribe bms", "err", err)
	}
	if err := mc.SubscribeSoCMin(ctl.OnSoCMinUpdate); err != nil {
		slog.Warn("subscribe soc_min", "err", err)
	}
	if err := mc.SubscribeSoCMax(ctl.OnSoCMaxUpdate); err != nil {
		slog.Warn("subscribe soc_max", "err", err)
	}
	if err := mc.SubscribeCmd(func(cmd string) {
		if err := ctl.OnCmd(ctx, cmd); err != nil {
			slog.Warn("cmd handler", "cmd", cmd, "err", err)
		}
	}); err != nil {
		slog.Warn("subscribe cmd", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runMeterReader(gctx, cfg, mc, ctl)
		return nil
	})
	g.Go(func() error {
		runMPPTReader(gctx, cfg, mc, ctl)
		return nil
	})

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sighup:
				slog.Info("sighup received, reloading config")
				newCfg, err := loadConfig(cfgPath)
				if err != nil {
					slog.Warn("config reload failed, keeping old config", "err", err)
					continue
				}
				cfg = newCfg
				ctl.ReplaceConfig(cfg.controllerConfig())
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("agent error", "err", err)
	}
	slog.Info("exiting")
}

// runMeterReader owns the smart-meter serial link: open, read framed
// telegrams, decrypt/decode, republish to SMARTMETER.topic and feed
// controller.OnMeterPower directly. On any I/O error the port is closed
// and reopened with backoff.
func runMeterReader(ctx context.Context, cfg *LoadedConfig, mc *bus.Client, ctl *controller.Controller) {
	key, err := hex.DecodeString(cfg.SmartMeter.Key)
	if err != nil {
		slog.Error("smartmeter: bad key", "err", err)
		return
	}
	variant, err := meter.ParseVariant(cfg.SmartMeter.Country)
	if err != nil {
		slog.Error("smartmeter: bad country", "err", err)
		return
	}
	dec := meter.NewDecoder(variant, key)

	backoff := time.Second
	for ctx.Err() == nil {
		port, err := serial.Open(&serial.Config{
			Address:  cfg.SmartMeter.SerialPort,
			BaudRate: cfg.SmartMeter.Baud,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  time.Second,
		})
		if err != nil {
			slog.Warn("smartmeter: open failed, retrying", "err", err, "retry_in", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		r := bufio.NewReader(port)
		for ctx.Err() == nil {
			raw, err := dec.ReadFrame(r)
			if err != nil {
				slog.Warn("smartmeter: frame read failed, reopening link", "err", err)
				break
			}
			reading, err := dec.Decode(raw)
			if err != nil {
				slog.Warn("smartmeter: decode failed", "err", err)
				continue
			}
			if err := mc.PublishSmartMeter(reading); err != nil {
				slog.Warn("smartmeter: publish failed", "err", err)
			}
			if err := mc.PublishDisplay(smartMeterWidget(reading)); err != nil {
				slog.Warn("smartmeter: display publish failed", "err", err)
			}
			if err := ctl.OnMeterPower(ctx, float64(reading.PowerW)); err != nil {
				slog.Warn("controller: meter power handling failed", "err", err)
			}
		}
		port.Close()
	}
}

// smartMeterWidget is the display-widget shape for the grid meter
// itself, alongside the controller's Victron widget.
func smartMeterWidget(r meter.Reading) map[string]any {
	return map[string]any{
		"title": "Smartmeter",
		"color": 24555,
		"main": map[string]any{
			"unit":  "W",
			"PwrSM": r.PowerW,
		},
		"stand": map[string]any{
			"unit": "KWh",
			"In":   fmt.Sprintf("%.1f", r.TotalInKWh),
			"Out":  fmt.Sprintf("%.1f", r.TotalOutKWh),
		},
	}
}

// runMPPTReader owns the MPPT serial link: feed bytes through the
// line-protocol state machine, republish each record to
// VICTRON.mppt_topic and feed controller.OnMPPT with the panel-power
// field.
func runMPPTReader(ctx context.Context, cfg *LoadedConfig, mc *bus.Client, ctl *controller.Controller) {
	backoff := time.Second
	for ctx.Err() == nil {
		port, err := serial.Open(&serial.Config{
			Address:  cfg.MPPT.SerialPort,
			BaudRate: 19200,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  500 * time.Millisecond,
		})
		if err != nil {
			slog.Warn("mppt: open failed, retrying", "err", err, "retry_in", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		dec := mppt.NewDecoder()
		buf := make([]byte, 1)
		for ctx.Err() == nil {
			n, err := port.Read(buf)
			if err != nil {
				slog.Warn("mppt: read failed, reopening link", "err", err)
				break
			}
			if n == 0 {
				continue
			}
			rec, ok := dec.Feed(buf[0])
			if !ok {
				continue
			}
			if err := mc.PublishMPPT(rec); err != nil {
				slog.Warn("mppt: publish failed", "err", err)
			}
			ctl.OnMPPT(rec.PPV())
		}
		port.Close()
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d < 30*time.Second {
		return d * 2
	}
	return d
}

// runDump is the debug entry point: connect to the inverter only,
// print each phase's AC info plus the LED pattern, and exit. It needs
// no broker, so it works on a bench with just the serial dongle.
func runDump(cfgPath string) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inverter, err := vebus.Open(cfg.Victron.SerialPort, slog.Default())
	if err != nil {
		slog.Error("open inverter", "err", err)
		os.Exit(1)
	}
	defer inverter.Close()

	if _, err := inverter.GetVersion(ctx); err != nil {
		slog.Error("get version", "err", err)
		os.Exit(1)
	}
	if ok, err := inverter.InitAddress(ctx, 0); err != nil {
		slog.Error("init address", "err", err)
		os.Exit(1)
	} else if !ok {
		slog.Error("init address: device did not echo address")
		os.Exit(1)
	}

	for phase := 1; phase <= 3; phase++ {
		ac, err := inverter.GetACInfo(ctx, phase)
		if err != nil {
			slog.Warn("get ac info", "phase", phase, "err", err)
			continue
		}
		fmt.Printf("phase %d: %+v\n", phase, ac)
	}

	if leds, err := inverter.LEDStatus(ctx); err != nil {
		slog.Warn("get led status", "err", err)
	} else {
		fmt.Printf("leds: %+v\n", leds)
	}
}
