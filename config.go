package main

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/msteppuhn/ess-controller/internal/controller"
)

// Config is the raw INI-decoded shape, one struct per config-file
// section.
type Config struct {
	MQTT struct {
		Host     string
		Port     int
		ClientID string
		Username string
		Password string
	}

	SmartMeter struct {
		SerialPort string
		Baud       int
		Key        string
		Country    string
		Topic      string
	}

	BMS1 struct {
		Topic string
	}

	Victron struct {
		SerialPort     string
		MaxCharge      float64
		MaxInvert      float64
		MaxSoC         float64
		MinSoC         float64
		SoCHysteresis  float64
		SleepTimeout   string
		SleepEnabled   bool
		Topic          string
		MPPTTopic      string
		CmdTopic       string
		SoCMinTopic    string
		SoCMaxTopic    string
		FetchDataTopic string
	}

	MPPT struct {
		SerialPort string
	}
}

// LoadedConfig wraps Config with the derived/validated fields the
// agent actually consumes.
type LoadedConfig struct {
	Config

	broker       string
	sleepTimeout time.Duration
}

func loadConfig(path string) (*LoadedConfig, error) {
	// Key lookups are case-insensitive, so MAX_CHARGE and max_charge
	// name the same option.
	f, err := ini.InsensitiveLoad(path)
	if err != nil {
		return nil, fmt.Errorf("load ini: %w", err)
	}

	var cfg LoadedConfig

	mqtt := f.Section("MQTT")
	cfg.MQTT.Host = mqtt.Key("host").String()
	cfg.MQTT.Port = mqtt.Key("port").MustInt(1883)
	cfg.MQTT.ClientID = mqtt.Key("client_id").String()
	cfg.MQTT.Username = mqtt.Key("user").String()
	cfg.MQTT.Password = mqtt.Key("password").String()

	sm := f.Section("SMARTMETER")
	cfg.SmartMeter.SerialPort = sm.Key("serial_port").String()
	cfg.SmartMeter.Baud = sm.Key("serial_baudrate").MustInt(115200)
	cfg.SmartMeter.Key = sm.Key("aes_key").String()
	cfg.SmartMeter.Country = sm.Key("country_code").MustString("WN")
	cfg.SmartMeter.Topic = sm.Key("topic").String()

	bms := f.Section("BMS1")
	cfg.BMS1.Topic = bms.Key("topic").String()

	vic := f.Section("VICTRON")
	cfg.Victron.SerialPort = vic.Key("serial_port").String()
	cfg.Victron.MaxCharge = vic.Key("MAX_CHARGE").MustFloat64(3000)
	cfg.Victron.MaxInvert = vic.Key("MAX_INVERT").MustFloat64(3000)
	cfg.Victron.MaxSoC = vic.Key("MAX_SOC").MustFloat64(90)
	cfg.Victron.MinSoC = vic.Key("MIN_SOC").MustFloat64(20)
	cfg.Victron.SoCHysteresis = vic.Key("SOC_HYSTERESIS").MustFloat64(2)
	cfg.Victron.SleepTimeout = vic.Key("SLEEP_TIMEOUT").MustString("3600")
	cfg.Victron.SleepEnabled = vic.Key("sleep_enabled").MustBool(false)
	cfg.Victron.Topic = vic.Key("topic").String()
	cfg.Victron.MPPTTopic = vic.Key("mppt_topic").String()
	cfg.Victron.CmdTopic = vic.Key("cmd_topic").String()
	cfg.Victron.SoCMinTopic = vic.Key("soc_min_topic").String()
	cfg.Victron.SoCMaxTopic = vic.Key("soc_max_topic").String()
	cfg.Victron.FetchDataTopic = vic.Key("fetch_data_topic").String()

	mppt := f.Section("MPPT")
	cfg.MPPT.SerialPort = mppt.Key("serial_port").String()

	if err := parseConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseConfig(cfg *LoadedConfig) error {
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "ess-controller"
	}
	if cfg.MQTT.Host == "" {
		return fmt.Errorf("MQTT.host is required")
	}
	cfg.broker = fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)

	if cfg.Victron.SerialPort == "" {
		return fmt.Errorf("VICTRON.serial_port is required")
	}
	if cfg.SmartMeter.SerialPort == "" {
		return fmt.Errorf("SMARTMETER.serial_port is required")
	}
	if len(cfg.SmartMeter.Key) != 32 {
		return fmt.Errorf("SMARTMETER.aes_key must be a 32-hex-char AES-128 key, got %d chars", len(cfg.SmartMeter.Key))
	}

	timeout, err := time.ParseDuration(cfg.Victron.SleepTimeout + "s")
	if err != nil {
		return fmt.Errorf("invalid VICTRON.SLEEP_TIMEOUT %q: %w", cfg.Victron.SleepTimeout, err)
	}
	cfg.sleepTimeout = timeout

	return nil
}

// controllerConfig projects the VICTRON section onto controller.Config,
// the subset the setpoint algorithm actually reads every cycle.
func (cfg *LoadedConfig) controllerConfig() controller.Config {
	return controller.Config{
		MaxCharge:     cfg.Victron.MaxCharge,
		MaxInvert:     cfg.Victron.MaxInvert,
		MaxSoC:        cfg.Victron.MaxSoC,
		MinSoC:        cfg.Victron.MinSoC,
		SoCHysteresis: cfg.Victron.SoCHysteresis,
		SleepTimeout:  cfg.sleepTimeout,
		SleepEnabled:  cfg.Victron.SleepEnabled,
	}
}
