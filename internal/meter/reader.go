package meter

import (
	"bufio"
	"io"
)

// ReadFrame locates the next HDLC-framed meter telegram on r: it
// discards bytes up to and including the opening flag (0x7E), discards
// bytes up to and including the address byte (0xA0), then reads the
// variant's fixed-length body. The closing flag is not read back from
// the link — adjacent telegrams share a single flag byte on the wire,
// so that byte is left for the next call's leading-flag scan to
// consume, and a flag byte is appended here to complete the returned
// frame instead.
func (d *Decoder) ReadFrame(r *bufio.Reader) ([]byte, error) {
	bodyLen := layouts[d.Variant].bodyLen

	if _, err := r.ReadBytes(0x7E); err != nil {
		return nil, err
	}
	if _, err := r.ReadBytes(0xA0); err != nil {
		return nil, err
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	frm := make([]byte, 0, bodyLen+3)
	frm = append(frm, 0x7E, 0xA0)
	frm = append(frm, body...)
	frm = append(frm, 0x7E)
	return frm, nil
}
