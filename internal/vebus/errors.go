package vebus

import "errors"

var (
	// ErrTimeout means the device did not reply within the link's read
	// timeout.
	ErrTimeout = errors.New("vebus: timeout waiting for reply")

	// ErrNotConnected is returned by operations that require at least one
	// successful GetVersion since the link was opened.
	ErrNotConnected = errors.New("vebus: not connected")

	// ErrClosed means the link has no open port and no port name to
	// reopen it from (a test client whose injected pipe died).
	ErrClosed = errors.New("vebus: link closed")

	// ErrNotScanned is returned by SetPowerPhase/SetESSModules when
	// ScanESSAssistant has not yet located the setpoint register.
	ErrNotScanned = errors.New("vebus: ess assistant not scanned")

	// ErrUnexpectedReply means the device answered with a different
	// command or W-reply code than the one requested.
	ErrUnexpectedReply = errors.New("vebus: unexpected reply")

	// ErrVariableNotSupported mirrors the device's WReplyVariableNotSupported.
	ErrVariableNotSupported = errors.New("vebus: ram variable not supported")

	// ErrSettingNotSupported mirrors the device's WReplySettingNotSupported.
	ErrSettingNotSupported = errors.New("vebus: setting not supported")

	// ErrAssistantNotFound means ScanESSAssistant exhausted its step
	// budget without finding the ESS assistant's setpoint register.
	ErrAssistantNotFound = errors.New("vebus: ess assistant ram id not found")
)
