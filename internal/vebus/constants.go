package vebus

// F-request identifiers: the payload byte following cmd 'F' selects what
// the device should report or do.
const (
	fRequestDC       = 0
	fRequestACL1     = 1
	fRequestSnapshot = 6
	fReset           = 8
	fSendBOL         = 9
)

// fRequestACPhase returns the F-request byte that asks the device to
// start reporting AC info for the given 1-based phase; phases 2-4 sit at
// consecutive codes above fRequestACL1.
func fRequestACPhase(phase int) byte {
	return byte(fRequestACL1 + phase - 1)
}

// W-commands, sent via cmd 'X'/'x'/'y'/'z' with a leading sub-command byte.
const (
	wCommandGetRAMVarInfo = 0x2F
	wCommandReadRAMVar    = 0x30
	wCommandReadSetting   = 0x31
	wCommandWriteRAMVar   = 0x32
	wCommandWriteData     = 0x34
	wCommandWriteViaID    = 0x37
	wCommandReadSnapshot  = 0x38
)

// W-replies.
const (
	wReplyReadRAMOK            = 0x85
	wReplyReadSettingOK        = 0x86
	wReplySuccessfulRAMWrite   = 0x87
	wReplySuccessfulRAMVarInfo = 0x8E
	wReplyVariableNotSupported = 0x90
	wReplySettingNotSupported  = 0x91
	wReplySnapshotOK           = 0x99
)

// RAMVar identifies an 8-bit RAM variable slot in the inverter's register
// file.
type RAMVar uint8

const (
	RAMUMainsRMS                 RAMVar = 0
	RAMIMainsRMS                 RAMVar = 1
	RAMUInverterRMS              RAMVar = 2
	RAMIInverterRMS              RAMVar = 3
	RAMUBat                      RAMVar = 4
	RAMIBat                      RAMVar = 5
	RAMUBatRMS                   RAMVar = 6
	RAMInverterPeriodTime        RAMVar = 7
	RAMMainsPeriodTime           RAMVar = 8
	RAMSignedACLoadCurrent       RAMVar = 9
	RAMVirtualSwitchPosition     RAMVar = 10
	RAMIgnoreACInputState        RAMVar = 11
	RAMMultiFunctionalRelayState RAMVar = 12
	RAMChargeState               RAMVar = 13
	RAMInverterPower1            RAMVar = 14
	RAMInverterPower2            RAMVar = 15
	RAMOutputPower               RAMVar = 16
	RAMInverterPower1Unfiltered  RAMVar = 17
	RAMInverterPower2Unfiltered  RAMVar = 18
	RAMOutputPowerUnfiltered     RAMVar = 19
)

// scale applies each RAM variable's documented scale function: voltages
// and currents are stored as hundredths, charge state as halves, the
// period-time registers (0.1 s time base) convert to frequency in Hz,
// power values pass through unscaled.
func (r RAMVar) scale(raw int16) float64 {
	switch r {
	case RAMUMainsRMS, RAMUInverterRMS, RAMUBat, RAMUBatRMS:
		return float64(raw) / 100
	case RAMIMainsRMS, RAMIInverterRMS, RAMIBat, RAMSignedACLoadCurrent:
		return float64(raw) / 100
	case RAMChargeState:
		return float64(raw) / 2
	case RAMInverterPeriodTime, RAMMainsPeriodTime:
		if raw == 0 {
			return 0
		}
		return 10 / float64(raw)
	default:
		return float64(raw)
	}
}

// DeviceState is the inverter/charger's reported operating mode.
type DeviceState uint8

const (
	StateDown DeviceState = iota
	StateStartup
	StateOff
	StateSlave
	StateInvertFull
	StateInvertHalf
	StateInvertAES
	StatePowerAssist
	StateBypass
	StateCharge
)

func (s DeviceState) String() string {
	switch s {
	case StateDown:
		return "Down"
	case StateStartup:
		return "Startup"
	case StateOff:
		return "Off"
	case StateSlave:
		return "Slave"
	case StateInvertFull:
		return "InvertFull"
	case StateInvertHalf:
		return "InvertHalf"
	case StateInvertAES:
		return "InvertAES"
	case StatePowerAssist:
		return "PowerAssist"
	case StateBypass:
		return "Bypass"
	case StateCharge:
		return "StateCharge"
	default:
		return "unknown"
	}
}

// PhaseInfo describes which phase/leg of a multi-phase system a device
// occupies.
type PhaseInfo uint8

const (
	PhaseL4 PhaseInfo = iota
	PhaseL3
	PhaseL2
	PhaseL1Single
	PhaseL1Two
	PhaseL1Three
	PhaseL1Four
	PhaseDC
)

func (p PhaseInfo) String() string {
	switch p {
	case PhaseL4:
		return "L4"
	case PhaseL3:
		return "L3"
	case PhaseL2:
		return "L2"
	case PhaseL1Single:
		return "L1_1ph"
	case PhaseL1Two:
		return "L1_2ph"
	case PhaseL1Three:
		return "L1_3ph"
	case PhaseL1Four:
		return "L1_4ph"
	case PhaseDC:
		return "DC"
	default:
		return "unknown"
	}
}

// wakeFrame and sleepFrame are the fixed short frames that precede the
// normal length-prefixed MK2 framing; they address all devices directly.
var (
	wakeFrame  = []byte{0x05, 0x3F, 0x07, 0x00, 0x00, 0x00, 0xC2}
	sleepFrame = []byte{0x05, 0x3F, 0x04, 0x00, 0x00, 0x00, 0xC5}
)
