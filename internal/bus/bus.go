// Package bus is a thin MQTT wrapper around the controller's pub/sub
// subjects: per-phase/accumulated telemetry and the display widget
// going out, BMS readings and the three VICTRON control topics (cmd,
// soc_min, soc_max) coming in. It implements controller.Publisher and exposes Subscribe* helpers
// that feed a *controller.Controller's event handlers directly.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/msteppuhn/ess-controller/internal/bms"
	"github.com/msteppuhn/ess-controller/internal/controller"
)

// Topics is the full subject table, one field per VICTRON/SMARTMETER/
// BMS1 config key that carries a topic string.
type Topics struct {
	SmartMeter string // SMARTMETER.topic — meter readings republished for external consumers
	BMS        string // BMS1.topic — external SoC/voltage/per-cell reports
	Victron    string // VICTRON.topic — base: "<topic>/<phase>" per-phase, "<topic>" accumulated
	MPPT       string // VICTRON.mppt_topic — mppt readings republished for external consumers
	Cmd        string // VICTRON.cmd_topic
	SoCMin     string // VICTRON.soc_min_topic
	SoCMax     string // VICTRON.soc_max_topic
	FetchData  string // VICTRON.fetch_data_topic
	Display    string // fixed "display" subject
}

// Client wraps a connected mqtt.Client with the QoS/retain policy and
// topic table the controller needs.
type Client struct {
	mc     mqtt.Client
	topics Topics
	log    *slog.Logger
}

// Connect dials the broker.
func Connect(broker, clientID, username, password string, topics Topics, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true).SetConnectRetry(true).SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "err", err)
	})

	mc := mqtt.NewClient(opts)
	token := mc.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return &Client{mc: mc, topics: topics, log: log}, nil
}

// Close disconnects, allowing in-flight publishes a moment to drain.
func (c *Client) Close() {
	c.mc.Disconnect(2000)
}

func (c *Client) publishJSON(topic string, v any) error {
	if topic == "" {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json for %s: %w", topic, err)
	}
	token := c.mc.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}
	return nil
}

// PublishPhase implements controller.Publisher: VICTRON.topic/{1,2,3}.
func (c *Client) PublishPhase(phase int, data controller.Snapshot) error {
	return c.publishJSON(fmt.Sprintf("%s/%d", c.topics.Victron, phase), data)
}

// PublishAccumulated implements controller.Publisher: VICTRON.topic.
func (c *Client) PublishAccumulated(data controller.Snapshot) error {
	return c.publishJSON(c.topics.Victron, data)
}

// PublishDisplay implements controller.Publisher: the fixed "display" subject.
func (c *Client) PublishDisplay(widget map[string]any) error {
	topic := c.topics.Display
	if topic == "" {
		topic = "display"
	}
	return c.publishJSON(topic, widget)
}

// PublishFetchData implements controller.Publisher: VICTRON.fetch_data_topic.
func (c *Client) PublishFetchData(data map[string]any) error {
	return c.publishJSON(c.topics.FetchData, data)
}

// PublishSmartMeter republishes a decoded meter reading for external
// consumers.
func (c *Client) PublishSmartMeter(v any) error {
	return c.publishJSON(c.topics.SmartMeter, v)
}

// PublishMPPT republishes a decoded MPPT record for external
// consumers.
func (c *Client) PublishMPPT(v any) error {
	return c.publishJSON(c.topics.MPPT, v)
}

func (c *Client) subscribe(topic string, handler mqtt.MessageHandler) error {
	if topic == "" {
		return nil
	}
	token := c.mc.Subscribe(topic, 0, handler)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// SubscribeBMS wires BMS1.topic to the controller. JSON parse failures
// are warned on and discarded.
func (c *Client) SubscribeBMS(onBMS func(bms.Reading)) error {
	return c.subscribe(c.topics.BMS, func(_ mqtt.Client, msg mqtt.Message) {
		var r bms.Reading
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			c.log.Warn("bms message: bad json", "err", err)
			return
		}
		onBMS(r)
	})
}

// subscribeNumeric handles the soc_min/soc_max rebind topics, whose
// message body is a bare JSON number rather than an object.
func (c *Client) subscribeNumeric(topic string, onUpdate func(float64)) error {
	return c.subscribe(topic, func(_ mqtt.Client, msg mqtt.Message) {
		var v float64
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			c.log.Warn("numeric message: bad json", "topic", topic, "err", err)
			return
		}
		onUpdate(v)
	})
}

// SubscribeSoCMin wires VICTRON.soc_min_topic to controller.OnSoCMinUpdate.
func (c *Client) SubscribeSoCMin(onUpdate func(float64)) error {
	return c.subscribeNumeric(c.topics.SoCMin, onUpdate)
}

// SubscribeSoCMax wires VICTRON.soc_max_topic to controller.OnSoCMaxUpdate.
func (c *Client) SubscribeSoCMax(onUpdate func(float64)) error {
	return c.subscribeNumeric(c.topics.SoCMax, onUpdate)
}

type cmdPayload struct {
	Cmd string `json:"cmd"`
}

// SubscribeCmd wires VICTRON.cmd_topic to controller.OnCmd.
func (c *Client) SubscribeCmd(onCmd func(cmd string)) error {
	return c.subscribe(c.topics.Cmd, func(_ mqtt.Client, msg mqtt.Message) {
		var p cmdPayload
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			c.log.Warn("cmd message: bad json", "err", err)
			return
		}
		onCmd(p.Cmd)
	})
}
