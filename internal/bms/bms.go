// Package bms defines the shape of a battery-management-system reading.
// The BMS wire protocol itself is out of scope: an external reader owns
// the pack's serial link and publishes readings in this JSON shape on
// the bus, the way the rest of this repo treats the config file and
// display widget as external collaborators.
package bms

// Reading is one sample published by the external BMS reader. The
// cell_* fields summarize per-cell health: the lowest and highest cell
// voltage in the pack and their spread.
type Reading struct {
	SoC      float64 `json:"soc"` // percent, 0-100
	Voltage  float64 `json:"voltage"`
	Current  float64 `json:"current"`
	SoH      float64 `json:"soh"`
	CellLow  float64 `json:"cell_low"`
	CellHigh float64 `json:"cell_high"`
	CellDiff float64 `json:"cell_diff"`
}
