package vebus

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/msteppuhn/ess-controller/internal/frame"
)

// pairedClient returns a Client wired to an in-memory net.Pipe, plus the
// far end a fake-device goroutine can read requests from and write
// replies to.
func pairedClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientSide, deviceSide := net.Pipe()
	c := NewClient(clientSide, nil)
	c.timeout = time.Second
	t.Cleanup(func() { clientSide.Close(); deviceSide.Close() })
	return c, deviceSide
}

func readFrame(t *testing.T, conn net.Conn) (cmd byte, payload []byte) {
	t.Helper()
	buf := make([]byte, 1)
	var raw []byte
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("device read: %v", err)
		}
		if n != 1 {
			continue
		}
		raw = append(raw, buf[0])
		if len(raw) >= 2 {
			length := int(raw[0] &^ 0x80)
			if len(raw) == length+2 {
				parsedCmd, parsedPayload, err := frame.Parse(raw)
				if err != nil {
					t.Fatalf("device parse %x: %v", raw, err)
				}
				return parsedCmd, parsedPayload
			}
		}
	}
}

func TestGetVersionRoundTrip(t *testing.T) {
	c, dev := pairedClient(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, _ := readFrame(t, dev)
		if cmd != 'V' {
			t.Errorf("request cmd = %q, want 'V'", cmd)
		}
		reply := frame.Build('V', []byte{0x24, 0xDB, 0x11, 0x00, 0x42})
		if _, err := dev.Write(reply); err != nil {
			t.Errorf("device write: %v", err)
		}
	}()

	v, err := c.GetVersion(context.Background())
	<-done
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v.Mode != 0x42 {
		t.Fatalf("Mode = %#x, want 0x42", v.Mode)
	}
	if c.State() != Connected {
		t.Fatalf("State() = %v, want Connected", c.State())
	}
}

func TestSetPowerPhaseRefusedBeforeScan(t *testing.T) {
	c, _ := pairedClient(t)
	if err := c.SetPowerPhase(context.Background(), -100, 1); err != ErrNotScanned {
		t.Fatalf("err = %v, want ErrNotScanned", err)
	}
}

// ramVarInfoReply builds the X-reply payload ReadRAMVarInfo expects:
// one echoed byte, then [raw scale lo, hi, offset lo, hi]. Every
// W-command-family reply comes back on an 'X' frame, not a 'W' one.
func ramVarInfoReply(raw uint16, offset int16) []byte {
	payload := make([]byte, 5)
	binary.LittleEndian.PutUint16(payload[1:3], raw)
	binary.LittleEndian.PutUint16(payload[3:5], uint16(offset))
	return frame.Build('X', append([]byte{wReplySuccessfulRAMVarInfo}, payload...))
}

// ramVarReply builds the X-reply payload readRAMVarRaw expects: the
// variable's current 16-bit value, little-endian.
func ramVarReply(value uint16) []byte {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, value)
	return frame.Build('X', append([]byte{wReplyReadRAMOK}, payload...))
}

// TestScanESSAssistant reproduces the documented scan: ram id 130 reports
// raw value 0x0054 (0x0054 & 0xFFF0 == 0x0050), so the assistant's
// setpoint register is id 131.
func TestScanESSAssistant(t *testing.T) {
	c, dev := pairedClient(t)
	c.state = Connected

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ramid := 128; ramid <= 130; ramid++ {
			cmd, payload := readFrame(t, dev)
			if cmd != 'X' || len(payload) != 3 || payload[0] != wCommandReadRAMVar || int(payload[1]) != ramid || payload[2] != 0 {
				t.Errorf("unexpected request for ram id %d: cmd=%q payload=% X", ramid, cmd, payload)
				return
			}
			var reply []byte
			if ramid == 130 {
				reply = ramVarReply(0x0054)
			} else {
				// Not yet at the assistant's table: report a
				// non-matching value that advances one id at a
				// time (raw&0x000F == 0).
				reply = ramVarReply(0x0100)
			}
			if _, err := dev.Write(reply); err != nil {
				t.Errorf("device write: %v", err)
				return
			}
		}
	}()

	err := c.ScanESSAssistant(context.Background())
	<-done
	if err != nil {
		t.Fatalf("ScanESSAssistant: %v", err)
	}
	if c.State() != ScannedAssistant {
		t.Fatalf("State() = %v, want ScannedAssistant", c.State())
	}
	if c.essSetpointRAMID != 131 {
		t.Fatalf("essSetpointRAMID = %d, want 131", c.essSetpointRAMID)
	}
}

func TestSetPowerPhaseAfterScanWritesSetpointRegister(t *testing.T) {
	c, dev := pairedClient(t)
	c.state = ScannedAssistant
	c.essSetpointRAMID = 131

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, payload := readFrame(t, dev)
		if cmd != 'x' || len(payload) != 6 || payload[0] != wCommandWriteViaID || payload[1] != 0x00 || payload[2] != 131 {
			t.Errorf("unexpected write request: cmd=%q payload=% X", cmd, payload)
		}
		reply := frame.Build('X', []byte{wReplySuccessfulRAMWrite})
		if _, err := dev.Write(reply); err != nil {
			t.Errorf("device write: %v", err)
		}
	}()

	if err := c.SetPowerPhase(context.Background(), 0, 1); err != nil {
		t.Fatalf("SetPowerPhase: %v", err)
	}
	<-done
}

func TestSetESSModulesWritesFlagRegister(t *testing.T) {
	c, dev := pairedClient(t)
	c.state = ScannedAssistant
	c.essSetpointRAMID = 131

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, payload := readFrame(t, dev)
		// Flags land one register past the setpoint; charge-disable is
		// bit 0, feed-disable bit 1, and the phase byte is unadjusted.
		if cmd != 'x' || len(payload) != 6 || payload[0] != wCommandWriteViaID ||
			payload[2] != 132 || payload[3] != 0x03 || payload[5] != 1 {
			t.Errorf("unexpected request: cmd=%q payload=% X", cmd, payload)
		}
		reply := frame.Build('X', []byte{wReplySuccessfulRAMWrite})
		if _, err := dev.Write(reply); err != nil {
			t.Errorf("device write: %v", err)
		}
	}()

	if err := c.SetESSModules(context.Background(), true, true, 1); err != nil {
		t.Fatalf("SetESSModules: %v", err)
	}
	<-done
}

func TestReadRAMVarInfoScaleConvention(t *testing.T) {
	cases := []struct {
		name      string
		raw       uint16
		offset    int16
		wantScale float64
	}{
		{"plain", 0x0064, -10, 100},
		{"reciprocal", 0x7F9C, 0, 1.0 / 100}, // bit 14 set, 0x8000-0x7F9C = 100
		{"negated", 0x8064, 0, -100},         // bit 15 set
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, dev := pairedClient(t)

			done := make(chan struct{})
			go func() {
				defer close(done)
				cmd, payload := readFrame(t, dev)
				if cmd != 'X' || payload[0] != wCommandGetRAMVarInfo {
					t.Errorf("unexpected request: cmd=%q payload=% X", cmd, payload)
				}
				if _, err := dev.Write(ramVarInfoReply(tc.raw, tc.offset)); err != nil {
					t.Errorf("device write: %v", err)
				}
			}()

			scale, offset, err := c.ReadRAMVarInfo(context.Background(), 4)
			<-done
			if err != nil {
				t.Fatalf("ReadRAMVarInfo: %v", err)
			}
			if scale != tc.wantScale {
				t.Errorf("scale = %v, want %v", scale, tc.wantScale)
			}
			if offset != float64(tc.offset) {
				t.Errorf("offset = %v, want %v", offset, tc.offset)
			}
		})
	}
}

func TestReadSettingSkipsEchoByte(t *testing.T) {
	c, dev := pairedClient(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, payload := readFrame(t, dev)
		// Phase-addressed setting reads go out on the lowercase 'x'
		// command with a 0-based phase byte.
		if cmd != 'x' || len(payload) != 3 || payload[0] != wCommandReadSetting || payload[1] != 2 || payload[2] != 0 {
			t.Errorf("unexpected request: cmd=%q payload=% X", cmd, payload)
		}
		reply := frame.Build('X', []byte{wReplyReadSettingOK, 0x02, 0x34, 0x12})
		if _, err := dev.Write(reply); err != nil {
			t.Errorf("device write: %v", err)
		}
	}()

	v, err := c.ReadSetting(context.Background(), 2, 1)
	<-done
	if err != nil {
		t.Fatalf("ReadSetting: %v", err)
	}
	if v != 0x1234 {
		t.Fatalf("value = %#x, want 0x1234", v)
	}
}

func TestReadSnapshotPerPhaseUsesLowercaseCommand(t *testing.T) {
	c, dev := pairedClient(t)
	c.state = Connected

	ids := []RAMVar{RAMUBat, RAMIBat}

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, payload := readFrame(t, dev)
		if cmd != 'F' || payload[0] != fRequestSnapshot {
			t.Errorf("expected snapshot F-request, got cmd=%q payload=% X", cmd, payload)
		}
		cmd, payload = readFrame(t, dev)
		if cmd != 'x' || len(payload) != 2 || payload[0] != wCommandReadSnapshot || payload[1] != 1 {
			t.Errorf("unexpected read request: cmd=%q payload=% X", cmd, payload)
		}
		// 5230 hundredths of a volt, -150 hundredths of an amp.
		reply := frame.Build('X', []byte{wReplySnapshotOK, 0x6E, 0x14, 0x6A, 0xFF})
		if _, err := dev.Write(reply); err != nil {
			t.Errorf("device write: %v", err)
		}
	}()

	vals, err := c.ReadSnapshot(context.Background(), ids, 2)
	<-done
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if vals[RAMUBat] != 52.30 {
		t.Errorf("UBat = %v, want 52.30", vals[RAMUBat])
	}
	if vals[RAMIBat] != -1.50 {
		t.Errorf("IBat = %v, want -1.50", vals[RAMIBat])
	}
}

func TestReceiveGenericSurvivesLeadingNoise(t *testing.T) {
	c, dev := pairedClient(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, _ := readFrame(t, dev)
		if cmd != 'V' {
			t.Errorf("request cmd = %q, want 'V'", cmd)
		}
		reply := frame.Build('V', []byte{1, 0, 0, 0, 0})
		noisy := append([]byte{0x00, 0x11, 0x22}, reply...)
		if _, err := dev.Write(noisy); err != nil {
			t.Errorf("device write: %v", err)
		}
	}()

	_, err := c.GetVersion(context.Background())
	<-done
	if err != nil {
		t.Fatalf("GetVersion with leading noise: %v", err)
	}
}
