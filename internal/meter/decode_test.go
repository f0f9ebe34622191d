package meter

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"testing"

	"github.com/msteppuhn/ess-controller/internal/frame"
)

// buildVariantFrame assembles a synthetic HDLC telegram around a given
// plaintext DLMS payload, the reverse of what Decode does: encrypt with
// AES-CTR under the same key/nonce/initial-counter convention, lay out
// systemTitle/invocationCounter/ciphertext at the variant's offsets,
// then append a correct HDLC CRC and closing flag.
func buildVariantFrame(t *testing.T, v Variant, key, systemTitle, invocationCounter, plaintext []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	iv := make([]byte, 16)
	copy(iv, systemTitle)
	copy(iv[len(systemTitle):], invocationCounter)
	binary.BigEndian.PutUint32(iv[12:], 2)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	add := layouts[v].nonceAdd
	raw := make([]byte, 28+add+len(ciphertext)+3)
	raw[0] = 0x7E
	raw[1] = 0xA0
	copy(raw[14+add:22+add], systemTitle)
	copy(raw[24+add:28+add], invocationCounter)
	copy(raw[28+add:], ciphertext)

	crc := frame.HDLCCRC16(raw[1 : len(raw)-3])
	binary.BigEndian.PutUint16(raw[len(raw)-3:len(raw)-1], crc)
	raw[len(raw)-1] = 0x7E
	return raw
}

func buildFrame(t *testing.T, key, systemTitle, invocationCounter, plaintext []byte) []byte {
	t.Helper()
	return buildVariantFrame(t, VariantWN, key, systemTitle, invocationCounter, plaintext)
}

func TestDecode_WNRoundTrip(t *testing.T) {
	key := []byte("0123456789ABCDEF")
	systemTitle := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	invocationCounter := []byte{0x00, 0x00, 0x00, 0x2A}

	plaintext := make([]byte, 91)
	putBE := func(r fieldRange, v int) {
		for i := r.end - 1; i >= r.start; i-- {
			plaintext[i] = byte(v & 0xFF)
			v >>= 8
		}
	}
	l := layouts[VariantWN]
	putBE(l.EnergyInWh, 123456)
	putBE(l.EnergyOutWh, 7890)
	putBE(l.PowerInW, 1500)
	putBE(l.PowerOutW, 0)
	putBE(l.ReactiveInVar, 42)
	putBE(l.ReactiveOutVar, 7)
	putBE(l.ReactiveInVarh, 12500)
	putBE(l.Year, 2026)
	plaintext[l.Month.start] = 3
	plaintext[l.Day.start] = 15
	plaintext[l.Hour.start] = 13
	plaintext[l.Minute.start] = 7
	plaintext[l.Second.start] = 0

	raw := buildFrame(t, key, systemTitle, invocationCounter, plaintext)

	dec := NewDecoder(VariantWN, key)
	reading, err := dec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if reading.PowerInW != 1500 {
		t.Errorf("PowerInW = %d, want 1500", reading.PowerInW)
	}
	if reading.PowerOutW != 0 {
		t.Errorf("PowerOutW = %d, want 0", reading.PowerOutW)
	}
	if reading.PowerW != 1500 {
		t.Errorf("PowerW = %d, want 1500", reading.PowerW)
	}
	if reading.TotalInKWh != 123.456 {
		t.Errorf("TotalInKWh = %v, want 123.456", reading.TotalInKWh)
	}
	if reading.TotalOutKWh != 7.89 {
		t.Errorf("TotalOutKWh = %v, want 7.89", reading.TotalOutKWh)
	}
	if reading.ReactiveInVar != 42 {
		t.Errorf("ReactiveInVar = %d, want 42", reading.ReactiveInVar)
	}
	if reading.ReactiveOutVar != 7 {
		t.Errorf("ReactiveOutVar = %d, want 7", reading.ReactiveOutVar)
	}
	if reading.ReactiveInTotalKvarh != 12.5 {
		t.Errorf("ReactiveInTotalKvarh = %v, want 12.5", reading.ReactiveInTotalKvarh)
	}
	if reading.Timestamp.Year() != 2026 || reading.Timestamp.Month() != 3 || reading.Timestamp.Day() != 15 {
		t.Errorf("Timestamp = %v, want 2026-03-15", reading.Timestamp)
	}
}

func TestDecode_WN350ShiftedOffsets(t *testing.T) {
	key := []byte("0123456789ABCDEF")
	systemTitle := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	invocationCounter := []byte{0x00, 0x00, 0x00, 0x2A}

	l := layouts[VariantWN350]
	plaintext := make([]byte, 92)
	putBE := func(r fieldRange, v int) {
		for i := r.end - 1; i >= r.start; i-- {
			plaintext[i] = byte(v & 0xFF)
			v >>= 8
		}
	}
	putBE(l.PowerInW, 230)
	putBE(l.PowerOutW, 480)
	putBE(l.EnergyInWh, 5000)
	putBE(l.EnergyOutWh, 2500)

	raw := buildVariantFrame(t, VariantWN350, key, systemTitle, invocationCounter, plaintext)

	dec := NewDecoder(VariantWN350, key)
	reading, err := dec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if reading.PowerW != 230-480 {
		t.Errorf("PowerW = %d, want %d", reading.PowerW, 230-480)
	}
	if reading.TotalInKWh != 5.0 {
		t.Errorf("TotalInKWh = %v, want 5.0", reading.TotalInKWh)
	}
	if reading.TotalOutKWh != 2.5 {
		t.Errorf("TotalOutKWh = %v, want 2.5", reading.TotalOutKWh)
	}
}

func TestReadFrame_ResyncsAndReassembles(t *testing.T) {
	body := bytes.Repeat([]byte{0x5A}, 119)
	stream := append([]byte{0x00, 0x13, 0x7E, 0xA0}, body...)
	// The next telegram's opening flag is shared with this one's
	// closing flag on the wire; ReadFrame must not consume it.
	stream = append(stream, 0x7E, 0xA0)

	r := bufio.NewReader(bytes.NewReader(stream))
	dec := NewDecoder(VariantWN, []byte("0123456789ABCDEF"))
	frm, err := dec.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(frm) != 119+3 {
		t.Fatalf("frame length = %d, want %d", len(frm), 119+3)
	}
	if frm[0] != 0x7E || frm[1] != 0xA0 || frm[len(frm)-1] != 0x7E {
		t.Fatalf("frame not reassembled with flags: % X ... % X", frm[:2], frm[len(frm)-1:])
	}
	if !bytes.Equal(frm[2:len(frm)-1], body) {
		t.Fatalf("frame body mangled")
	}

	// The shared flag byte must still be available for the next scan.
	next, err := r.ReadByte()
	if err != nil || next != 0x7E {
		t.Fatalf("next byte = %#x, %v; want 0x7E left in the stream", next, err)
	}
}

func TestDecode_BadCRCDropped(t *testing.T) {
	key := []byte("0123456789ABCDEF")
	systemTitle := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	invocationCounter := []byte{0x00, 0x00, 0x00, 0x2A}
	plaintext := make([]byte, 91)

	raw := buildFrame(t, key, systemTitle, invocationCounter, plaintext)
	raw[len(raw)-2] ^= 0xFF // corrupt CRC low byte

	dec := NewDecoder(VariantWN, key)
	_, err := dec.Decode(raw)
	if err != ErrBadCRC {
		t.Fatalf("Decode error = %v, want ErrBadCRC", err)
	}
}

func TestDecode_ShortFrameRejected(t *testing.T) {
	dec := NewDecoder(VariantWN, []byte("0123456789ABCDEF"))
	_, err := dec.Decode(make([]byte, 10))
	if err != ErrShortFrame {
		t.Fatalf("Decode error = %v, want ErrShortFrame", err)
	}
}
