package meter

// fieldRange is a byte range [start, end) into the decrypted DLMS
// payload. A zero value means the field is not present for that variant.
type fieldRange struct {
	start, end int
}

// layout is a country-variant's fixed byte-offset table into the
// decrypted payload, plus the nonce offset used while decrypting and
// the fixed frame-body length read off the wire. WN350 shifts every
// register by +18 relative to WN but shifts the nonce components by
// only +2 — these are two independent constants, not the same "add",
// and keeping them as separate fields here prevents them ever being
// collapsed into one by accident. Its frame body is 3 bytes longer to
// fit the deeper header and the shifted register bank.
type layout struct {
	nonceAdd int
	bodyLen  int

	EnergyInWh, EnergyOutWh         fieldRange
	ReactiveInVarh, ReactiveOutVarh fieldRange
	PowerInW, PowerOutW             fieldRange
	ReactiveInVar, ReactiveOutVar   fieldRange

	Year, Month, Day, Hour, Minute, Second fieldRange
}

// layouts holds each variant's byte offsets so they are looked up in
// one place rather than computed inline at the call sites.
var layouts = map[Variant]layout{
	VariantWN: {
		nonceAdd:        0,
		bodyLen:         119,
		EnergyInWh:      fieldRange{35, 39},
		EnergyOutWh:     fieldRange{40, 44},
		ReactiveInVarh:  fieldRange{45, 49},
		ReactiveOutVarh: fieldRange{50, 54},
		PowerInW:        fieldRange{55, 59},
		PowerOutW:       fieldRange{60, 64},
		ReactiveInVar:   fieldRange{65, 69},
		ReactiveOutVar:  fieldRange{70, 74},
		Year:            fieldRange{22, 24},
		Month:           fieldRange{24, 25},
		Day:             fieldRange{25, 26},
		Hour:            fieldRange{27, 28},
		Minute:          fieldRange{28, 29},
		Second:          fieldRange{29, 30},
	},
	VariantWN350: {
		nonceAdd:        2,
		bodyLen:         122,
		EnergyInWh:      fieldRange{53, 57},
		EnergyOutWh:     fieldRange{58, 62},
		ReactiveInVarh:  fieldRange{63, 67},
		ReactiveOutVarh: fieldRange{68, 72},
		PowerInW:        fieldRange{73, 77},
		PowerOutW:       fieldRange{78, 82},
		ReactiveInVar:   fieldRange{83, 87},
		ReactiveOutVar:  fieldRange{88, 92},
		Year:            fieldRange{40, 42},
		Month:           fieldRange{42, 43},
		Day:             fieldRange{43, 44},
		Hour:            fieldRange{45, 46},
		Minute:          fieldRange{46, 47},
		Second:          fieldRange{47, 48},
	},
	VariantKN: {
		nonceAdd:        0,
		bodyLen:         119,
		EnergyInWh:      fieldRange{57, 61},
		EnergyOutWh:     fieldRange{62, 66},
		ReactiveInVarh:  fieldRange{67, 71},
		ReactiveOutVarh: fieldRange{72, 76},
		PowerInW:        fieldRange{77, 81},
		PowerOutW:       fieldRange{82, 86},
		// KN's source table never reads a reactive-power (var) pair,
		// only reactive energy (varh) above; ReactiveInVar/OutVar stay
		// at their zero value and decode to 0.
		Year:   fieldRange{51, 53},
		Month:  fieldRange{53, 54},
		Day:    fieldRange{54, 55},
		Hour:   fieldRange{45, 46},
		Minute: fieldRange{46, 47},
		Second: fieldRange{47, 48},
	},
}

// beInt reads a big-endian unsigned integer out of s[r.start:r.end]. A
// zero-value (absent) range decodes to 0.
func beInt(s []byte, r fieldRange) int {
	if r.end <= r.start || r.end > len(s) {
		return 0
	}
	v := 0
	for _, b := range s[r.start:r.end] {
		v = v*256 + int(b)
	}
	return v
}
