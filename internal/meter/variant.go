package meter

import "fmt"

// Variant identifies which grid operator's register layout a meter uses.
// The three supported sources are infrared D0 readers from WienerNetze
// (an ISKRAEMECO AM550 or a SIEMENS IM350) and a P1/RJ12 reader from
// KärntenNetz.
type Variant int

const (
	VariantWN Variant = iota
	VariantWN350
	VariantKN
)

func (v Variant) String() string {
	switch v {
	case VariantWN:
		return "WN"
	case VariantWN350:
		return "WN350"
	case VariantKN:
		return "KN"
	default:
		return "unknown"
	}
}

// ParseVariant maps a config country_code value to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "WN":
		return VariantWN, nil
	case "WN350":
		return VariantWN350, nil
	case "KN":
		return VariantKN, nil
	default:
		return 0, fmt.Errorf("meter: unknown country code %q", s)
	}
}
