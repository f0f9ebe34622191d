package controller

import (
	"context"
	"time"

	"github.com/msteppuhn/ess-controller/internal/vebus"
)

// Engine is the subset of *vebus.Client the controller drives. Tests
// substitute a fake that never touches a real serial port.
type Engine interface {
	GetACInfo(ctx context.Context, phase int) (vebus.ACInfo, error)
	ReadSnapshot(ctx context.Context, ids []vebus.RAMVar, phase int) (map[vebus.RAMVar]float64, error)
	ReadSetting(ctx context.Context, id byte, phase int) (uint16, error)
	SetPowerPhase(ctx context.Context, watts float64, phase int) error
	Sleep() error
	Wakeup() error
	ResetDevice(device byte) error
}

// Publisher republishes controller telemetry to the pub/sub bus. The
// real implementation lives in internal/bus; tests use an in-memory
// recorder.
type Publisher interface {
	PublishPhase(phase int, data Snapshot) error
	PublishAccumulated(data Snapshot) error
	PublishDisplay(widget map[string]any) error
	PublishFetchData(data map[string]any) error
}

// Watchdog is the external watchdog-file collaborator: Touch rewrites it
// with the given timestamp.
type Watchdog interface {
	Touch(now time.Time) error
}
