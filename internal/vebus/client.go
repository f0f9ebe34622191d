// Package vebus drives a Victron-style MK2 dongle and the VE.Bus
// inverter/charger behind it: frame build/parse, the RAM-variable
// registry, and the ESS-assistant power setpoint used to steer the
// battery.
package vebus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/goburrow/serial"

	"github.com/msteppuhn/ess-controller/internal/frame"
)

// LinkState tracks how much of the handshake with the device has
// completed. SetPowerPhase and SetESSModules only make sense once the
// ESS assistant's setpoint register has been located.
type LinkState int

const (
	Disconnected LinkState = iota
	Connected
	ScannedAssistant
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case ScannedAssistant:
		return "scanned"
	default:
		return "unknown"
	}
}

const defaultTimeout = 500 * time.Millisecond

// Client drives one inverter/charger over its MK2 serial dongle. It is
// not safe for concurrent use: the control loop that owns it talks to the
// device one request/reply round trip at a time.
//
// The port handle is transient: an I/O error closes it, and whichever
// operation runs next reopens it.
type Client struct {
	portName string
	conn     io.ReadWriteCloser
	log      *slog.Logger
	timeout  time.Duration

	state            LinkState
	essSetpointRAMID uint8
}

// Open prepares a client for the serial port the MK2 dongle is attached
// to: 2400 baud, 8 data bits, no parity, one stop bit — the dongle's
// fixed UART configuration, not user-configurable.
func Open(portName string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{portName: portName, log: log, timeout: defaultTimeout}
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient wraps an already-open link. Tests use this to substitute an
// in-memory pipe for the real serial port; such a link is never
// reopened after an I/O error.
func NewClient(conn io.ReadWriteCloser, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{conn: conn, log: log, timeout: defaultTimeout}
}

func (c *Client) ensureOpen() error {
	if c.conn != nil {
		return nil
	}
	if c.portName == "" {
		return ErrClosed
	}
	port, err := serial.Open(&serial.Config{
		Address:  c.portName,
		BaudRate: 2400,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  defaultTimeout,
	})
	if err != nil {
		return fmt.Errorf("vebus: open %s: %w", c.portName, err)
	}
	c.conn = port
	return nil
}

// dropConn closes the port after an I/O error so the next operation
// starts from a fresh open.
func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// State reports how far the handshake with the device has progressed.
func (c *Client) State() LinkState { return c.state }

func (c *Client) write(raw []byte) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if _, err := c.conn.Write(raw); err != nil {
		c.dropConn()
		return fmt.Errorf("vebus: write: %w", err)
	}
	return nil
}

func (c *Client) writeFrame(cmd byte, payload []byte) error {
	return c.write(frame.Build(cmd, payload))
}

func (c *Client) readByte(ctx context.Context, deadline time.Time) (byte, error) {
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			c.dropConn()
			return 0, fmt.Errorf("vebus: read: %w", err)
		}
		if n == 1 {
			return buf[0], nil
		}
	}
}

type rxState int

const (
	rxWaitMarker rxState = iota
	rxInBody
	rxInChecksum
)

// receiveGeneric scans the link byte by byte looking for a frame whose
// second byte equals marker, then accumulates its declared length of
// body bytes and one checksum byte. A checksum mismatch is logged, not
// treated as fatal: the frame is still handed back to the caller,
// matching what the MK2 link is observed to do on the wire.
func (c *Client) receiveGeneric(ctx context.Context, marker byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	state := rxWaitMarker
	var buf []byte
	var length int

	for {
		b, err := c.readByte(ctx, deadline)
		if err != nil {
			return nil, err
		}

		switch state {
		case rxWaitMarker:
			buf = append(buf, b)
			if len(buf) < 2 {
				continue
			}
			if b == marker {
				// A complete frame is length+2 bytes: the length byte,
				// then length bytes starting at the marker, then the
				// checksum. With [length, marker] buffered, length-1
				// body bytes remain before the checksum byte.
				length = int(buf[len(buf)-2] &^ 0x80)
				if len(buf) == length+1 {
					state = rxInChecksum
				} else {
					state = rxInBody
				}
				continue
			}
			// Not a marker yet: the newest byte becomes the next
			// length-byte candidate.
			buf = buf[len(buf)-1:]
		case rxInBody:
			buf = append(buf, b)
			if len(buf) == length+1 {
				state = rxInChecksum
			}
		case rxInChecksum:
			buf = append(buf, b)
			rest, crcOK, err := frame.VerifyGeneric(marker, buf)
			if err != nil {
				return nil, err
			}
			if !crcOK {
				c.log.Warn("vebus: frame checksum mismatch", "frame", fmt.Sprintf("% X", buf))
			}
			return rest, nil
		}
	}
}

func (c *Client) receiveMK2(ctx context.Context) (cmd byte, payload []byte, err error) {
	rest, err := c.receiveGeneric(ctx, 0xFF, c.timeout)
	if err != nil {
		return 0, nil, err
	}
	if len(rest) < 1 {
		return 0, nil, frame.ErrMalformed
	}
	return rest[0], rest[1:], nil
}

// receiveW waits for the 'X' reply frame sent in answer to every
// W-command family request (ReadSnapshot, ReadSetting, WriteRAMVar,
// GetRAMVarInfo/ReadRAMVar, scan): the reply marker is the device's 'X'
// (0x58) command byte, not a literal 'W' — the W in "WCommand"/"WReply"
// names the command family, not the frame's command byte.
func (c *Client) receiveW(ctx context.Context) (wReply byte, payload []byte, err error) {
	cmd, rest, err := c.receiveMK2(ctx)
	if err != nil {
		return 0, nil, err
	}
	if cmd != 'X' || len(rest) < 1 {
		return 0, nil, fmt.Errorf("%w: got cmd %q", ErrUnexpectedReply, cmd)
	}
	return rest[0], rest[1:], nil
}

// Version is the inverter/charger firmware identification returned by
// GetVersion.
type Version struct {
	Number uint32
	Mode   byte
}

// GetVersion asks the device to identify itself. A successful reply
// moves the link from Disconnected to Connected; a failure resets it to
// Disconnected so a subsequent ScanESSAssistant is not trusted on a dead
// link.
func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	if err := c.writeFrame('V', nil); err != nil {
		c.state = Disconnected
		return Version{}, err
	}
	cmd, payload, err := c.receiveMK2(ctx)
	if err != nil {
		c.state = Disconnected
		return Version{}, err
	}
	if cmd != 'V' || len(payload) < 5 {
		c.state = Disconnected
		return Version{}, fmt.Errorf("%w: version reply", ErrUnexpectedReply)
	}
	c.state = Connected
	return Version{Number: binary.LittleEndian.Uint32(payload[0:4]), Mode: payload[4]}, nil
}

// InitAddress assigns the device's MK2 address and reports whether the
// device echoed it back. With a single unit on the bus the address is
// 0.
func (c *Client) InitAddress(ctx context.Context, addr byte) (bool, error) {
	if err := c.writeFrame('A', []byte{0x01, addr}); err != nil {
		return false, err
	}
	cmd, payload, err := c.receiveMK2(ctx)
	if err != nil {
		return false, err
	}
	if cmd != 'A' || len(payload) < 2 {
		return false, fmt.Errorf("%w: address reply", ErrUnexpectedReply)
	}
	return payload[1] == addr, nil
}

// LEDState is the on/blink/off state of one of the front-panel LEDs.
type LEDState int

const (
	LEDOff LEDState = iota
	LEDOn
	LEDBlink
)

// LEDStatus mirrors the eight front-panel indicator LEDs.
type LEDStatus struct {
	Mains, Absorption, Bulk, Float              LEDState
	Inverter, Overload, LowBattery, Temperature LEDState
}

// LEDStatus reads the device's current LED pattern.
func (c *Client) LEDStatus(ctx context.Context) (LEDStatus, error) {
	if err := c.writeFrame('L', nil); err != nil {
		return LEDStatus{}, err
	}
	cmd, payload, err := c.receiveMK2(ctx)
	if err != nil {
		return LEDStatus{}, err
	}
	if cmd != 'L' || len(payload) < 2 {
		return LEDStatus{}, fmt.Errorf("%w: led reply", ErrUnexpectedReply)
	}
	on, blink := payload[0], payload[1]
	bit := func(i uint) LEDState {
		switch {
		case blink&(1<<i) != 0:
			return LEDBlink
		case on&(1<<i) != 0:
			return LEDOn
		default:
			return LEDOff
		}
	}
	return LEDStatus{
		Mains: bit(0), Absorption: bit(1), Bulk: bit(2), Float: bit(3),
		Inverter: bit(4), Overload: bit(5), LowBattery: bit(6), Temperature: bit(7),
	}, nil
}

// ACInfo is one phase's mains/inverter AC measurement snapshot, relayed
// by the MK2 as a raw VE.Bus "info" frame rather than a normal W-reply.
type ACInfo struct {
	BackFactor      int
	InverterFactor  int
	DeviceState     DeviceState
	Phase           PhaseInfo
	MainsVoltage    float64
	MainsCurrent    float64
	InverterVoltage float64
	InverterCurrent float64
	MainsPeriod     int
}

// GetACInfo requests AC measurements for a 1-based phase number. The
// F-request byte carries the phase number as-is; ReadSnapshot,
// ReadSetting and SetPowerPhase put phase-1 on the wire instead, and
// that asymmetry is the device's, not a bug here.
func (c *Client) GetACInfo(ctx context.Context, phase int) (ACInfo, error) {
	if err := c.writeFrame('F', []byte{fRequestACPhase(phase)}); err != nil {
		return ACInfo{}, err
	}
	payload, err := c.receiveGeneric(ctx, 0x20, c.timeout)
	if err != nil {
		return ACInfo{}, err
	}
	return parseACInfo(payload)
}

func parseACInfo(payload []byte) (ACInfo, error) {
	if len(payload) < 14 {
		return ACInfo{}, fmt.Errorf("%w: ac-info payload", frame.ErrMalformed)
	}
	mainsU := int16(binary.LittleEndian.Uint16(payload[5:7]))
	mainsI := int16(binary.LittleEndian.Uint16(payload[7:9]))
	invU := int16(binary.LittleEndian.Uint16(payload[9:11]))
	invI := int16(binary.LittleEndian.Uint16(payload[11:13]))
	return ACInfo{
		BackFactor:      int(payload[0]),
		InverterFactor:  int(payload[1]),
		DeviceState:     DeviceState(payload[3]),
		Phase:           PhaseInfo(payload[4]),
		MainsVoltage:    float64(mainsU) / 100,
		MainsCurrent:    float64(mainsI) / 100,
		InverterVoltage: float64(invU) / 100,
		InverterCurrent: float64(invI) / 100,
		MainsPeriod:     int(payload[13]),
	}, nil
}

// SendSnapshotRequest tells the device to latch up to 6 RAM variables
// simultaneously, so a following ReadSnapshot sees them as of the same
// instant rather than one register read at a time.
func (c *Client) SendSnapshotRequest(ids []RAMVar) error {
	if len(ids) == 0 || len(ids) > 6 {
		return fmt.Errorf("vebus: snapshot request needs 1-6 ram ids, got %d", len(ids))
	}
	payload := make([]byte, 0, len(ids)+1)
	payload = append(payload, fRequestSnapshot)
	for _, id := range ids {
		payload = append(payload, byte(id))
	}
	return c.writeFrame('F', payload)
}

// ReadSnapshot requests and reads back the RAM variables previously
// latched by SendSnapshotRequest. A positive phase is sent 0-based on
// the wire with the lowercase 'x' command; phase 0 addresses no
// particular device via plain 'X'.
func (c *Client) ReadSnapshot(ctx context.Context, ids []RAMVar, phase int) (map[RAMVar]float64, error) {
	if c.state == Disconnected {
		return nil, ErrNotConnected
	}
	if err := c.SendSnapshotRequest(ids); err != nil {
		return nil, err
	}
	var err error
	if phase > 0 {
		err = c.writeFrame('x', []byte{wCommandReadSnapshot, byte(phase - 1)})
	} else {
		err = c.writeFrame('X', []byte{wCommandReadSnapshot})
	}
	if err != nil {
		return nil, err
	}
	wReply, payload, err := c.receiveW(ctx)
	if err != nil {
		return nil, err
	}
	if wReply != wReplySnapshotOK {
		return nil, fmt.Errorf("%w: snapshot reply 0x%02X", ErrUnexpectedReply, wReply)
	}
	if len(payload) < len(ids)*2 {
		return nil, fmt.Errorf("%w: snapshot payload too short", frame.ErrMalformed)
	}
	out := make(map[RAMVar]float64, len(ids))
	for i, id := range ids {
		raw := int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
		out[id] = id.scale(raw)
	}
	return out, nil
}

// ReadSetting reads a device setting (not a RAM variable) by id. A
// positive phase is sent 0-based with the lowercase 'x' command, like
// ReadSnapshot. The value sits one byte past the reply code; the byte
// in between echoes part of the request and is skipped.
func (c *Client) ReadSetting(ctx context.Context, id byte, phase int) (uint16, error) {
	var err error
	if phase > 0 {
		err = c.writeFrame('x', []byte{wCommandReadSetting, id, byte(phase - 1)})
	} else {
		err = c.writeFrame('X', []byte{wCommandReadSetting, id})
	}
	if err != nil {
		return 0, err
	}
	wReply, payload, err := c.receiveW(ctx)
	if err != nil {
		return 0, err
	}
	switch wReply {
	case wReplyReadSettingOK:
		if len(payload) < 3 {
			return 0, fmt.Errorf("%w: setting payload", frame.ErrMalformed)
		}
		return binary.LittleEndian.Uint16(payload[1:3]), nil
	case wReplySettingNotSupported:
		return 0, ErrSettingNotSupported
	default:
		return 0, fmt.Errorf("%w: setting reply 0x%02X", ErrUnexpectedReply, wReply)
	}
}

// ReadRAMVarInfo reads an arbitrary RAM variable's scale and offset
// directly from the device, for RAM ids that aren't in the static
// RAMVar registry (e.g. ids discovered by ScanESSAssistant). The raw
// scale word encodes sign in bit 15; with bit 14 set the magnitude is
// the reciprocal 1/(0x8000 - abs) instead of abs itself. Like
// ReadSetting, the payload values start one byte past the reply code.
func (c *Client) ReadRAMVarInfo(ctx context.Context, id byte) (scale, offset float64, err error) {
	if err := c.writeFrame('X', []byte{wCommandGetRAMVarInfo, id}); err != nil {
		return 0, 0, err
	}
	wReply, payload, err := c.receiveW(ctx)
	if err != nil {
		return 0, 0, err
	}
	if wReply == wReplyVariableNotSupported {
		return 0, 0, ErrVariableNotSupported
	}
	if wReply != wReplySuccessfulRAMVarInfo || len(payload) < 5 {
		return 0, 0, fmt.Errorf("%w: ram-var-info reply 0x%02X", ErrUnexpectedReply, wReply)
	}
	raw := binary.LittleEndian.Uint16(payload[1:3])
	offsetRaw := int16(binary.LittleEndian.Uint16(payload[3:5]))

	abs := float64(raw & 0x7FFF)
	scale = abs
	if raw&0x4000 != 0 {
		scale = 1 / (0x8000 - abs)
	}
	if raw&0x8000 != 0 {
		scale = -scale
	}
	return scale, float64(offsetRaw), nil
}

// WriteRAMVar writes a raw 16-bit value to a RAM variable. The write is
// a two-frame sequence: first the target id, then the data word; the
// device answers the pair with a single RAM-write-OK reply.
func (c *Client) WriteRAMVar(ctx context.Context, id RAMVar, value int16) error {
	if err := c.writeFrame('X', []byte{wCommandWriteRAMVar, byte(id)}); err != nil {
		return err
	}
	if err := c.writeFrame('X', []byte{wCommandWriteData, byte(value), byte(value >> 8)}); err != nil {
		return err
	}
	wReply, _, err := c.receiveW(ctx)
	if err != nil {
		return err
	}
	if wReply != wReplySuccessfulRAMWrite {
		return fmt.Errorf("%w: write reply 0x%02X", ErrUnexpectedReply, wReply)
	}
	return nil
}

// SetPowerPhase sets the ESS assistant's power setpoint in watts for a
// 1-based phase number, sent 0-based on the wire. It refuses until
// ScanESSAssistant has located the setpoint register. The sign is
// inverted on the wire: a positive commanded watts value (charge) is
// sent as a negative i16, matching the device's own sign convention for
// this register. The wire form is the via-ID write: lowercase 'x',
// command 0x37, a 0x00 flags byte, the target RAM id, the signed value,
// then the phase byte (not a plain WriteRAMVar frame).
func (c *Client) SetPowerPhase(ctx context.Context, watts float64, phase int) error {
	if c.state != ScannedAssistant {
		return ErrNotScanned
	}
	value := int16(-watts)
	payload := []byte{
		wCommandWriteViaID, 0x00, c.essSetpointRAMID,
		byte(value), byte(value >> 8),
		byte(phase - 1),
	}
	if err := c.writeFrame('x', payload); err != nil {
		return err
	}
	wReply, _, err := c.receiveW(ctx)
	if err != nil {
		return err
	}
	if wReply != wReplySuccessfulRAMWrite {
		return fmt.Errorf("%w: set power reply 0x%02X", ErrUnexpectedReply, wReply)
	}
	return nil
}

// SetESSModules toggles the ESS assistant's charge/feed-disable flags
// (bit 0 disables charging, bit 1 disables feed-in), stored in the RAM
// variable immediately after the setpoint register in the assistant's
// RAM layout. The phase byte goes on the wire as given here, unlike the
// 0-based addressing of SetPowerPhase.
func (c *Client) SetESSModules(ctx context.Context, disableFeed, disableCharge bool, phase int) error {
	if c.state != ScannedAssistant {
		return ErrNotScanned
	}
	var flags int16
	if disableCharge {
		flags |= 0x01
	}
	if disableFeed {
		flags |= 0x02
	}
	payload := []byte{
		wCommandWriteViaID, 0x00, c.essSetpointRAMID + 1,
		byte(flags), byte(flags >> 8),
		byte(phase),
	}
	if err := c.writeFrame('x', payload); err != nil {
		return err
	}
	wReply, _, err := c.receiveW(ctx)
	if err != nil {
		return err
	}
	if wReply != wReplySuccessfulRAMWrite {
		return fmt.Errorf("%w: ess modules reply 0x%02X", ErrUnexpectedReply, wReply)
	}
	return nil
}

// ResetDevice asks the given device (0 = all devices on the bus) to
// restart. The device does not reply.
func (c *Client) ResetDevice(device byte) error {
	return c.writeFrame('F', []byte{fReset, 0x00, 0x00, device, 0x00})
}

// SetBOL sets the battery-operational-limit discharge current, in
// amps; the wire unit is deciamps.
func (c *Client) SetBOL(dischargeCurrentA float64) error {
	dA := int16(dischargeCurrentA * 10)
	return c.writeFrame('F', []byte{fSendBOL, 0x03, 0x00, byte(dA), byte(dA >> 8)})
}

// Sleep sends the fixed short frame that puts every device on the bus
// to sleep.
func (c *Client) Sleep() error {
	return c.write(sleepFrame)
}

// Wakeup sends the fixed short frame that wakes every device on the bus.
func (c *Client) Wakeup() error {
	return c.write(wakeFrame)
}

// maxScanSteps bounds ScanESSAssistant's walk; the real assistant table
// is always found well inside this many hops from id 128.
const maxScanSteps = 8

// readRAMVarRaw reads a RAM variable's current 16-bit value (not its
// scale/offset info) via ReadRAMVar, the command ScanESSAssistant walks
// with. The id goes on the wire as a little-endian 16-bit field, even
// though the register file only spans one byte of id space.
func (c *Client) readRAMVarRaw(ctx context.Context, id uint16) (value uint16, err error) {
	if err := c.writeFrame('X', []byte{wCommandReadRAMVar, byte(id), byte(id >> 8)}); err != nil {
		return 0, err
	}
	wReply, payload, err := c.receiveW(ctx)
	if err != nil {
		return 0, err
	}
	if wReply == wReplyVariableNotSupported {
		return 0, ErrVariableNotSupported
	}
	if wReply != wReplyReadRAMOK || len(payload) < 2 {
		return 0, fmt.Errorf("%w: ram-var reply 0x%02X", ErrUnexpectedReply, wReply)
	}
	return binary.LittleEndian.Uint16(payload[0:2]), nil
}

// ScanESSAssistant walks the RAM-variable table starting at id 128 to
// find the ESS assistant's power-setpoint register, reading each id's
// stored value with ReadRAMVar (not GetRAMVarInfo — the assistant's
// descriptor lives in the variable's value, not its scale/offset word).
// A value identifies the assistant's table when its low 16 bits match
// 0x0050 after masking off the bottom nibble; the setpoint register
// itself is one id past the match. Non-matching ids advance by 1 plus
// their own bottom nibble, skipping the rest of that variable's sibling
// registers in one hop instead of probing each of them individually.
func (c *Client) ScanESSAssistant(ctx context.Context) error {
	if c.state == Disconnected {
		return ErrNotConnected
	}
	ramid := 128
	for step := 0; step < maxScanSteps; step++ {
		raw, err := c.readRAMVarRaw(ctx, uint16(ramid))
		if err != nil {
			if errors.Is(err, ErrVariableNotSupported) {
				ramid++
				continue
			}
			return err
		}
		if int(raw)&0xFFF0 == 0x0050 {
			c.essSetpointRAMID = uint8(ramid + 1)
			c.state = ScannedAssistant
			return nil
		}
		ramid += 1 + int(raw&0x000F)
	}
	return ErrAssistantNotFound
}
