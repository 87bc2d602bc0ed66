// Package protocol defines the JSON envelope exchanged with calculator
// programs over stdin and stdout.
package protocol

import "time"

// Version is the only supported protocol version.
const Version = 1

// Request is the envelope written to a calculator program's stdin.
type Request struct {
	Protocol   int            `json:"protocol"`
	RunID      string         `json:"run_id"`
	Properties []string       `json:"properties"`
	Structure  Structure      `json:"structure"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Workdir    string         `json:"workdir"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Structure is the wire form of an atomic structure. Positions and cell
// are in Å; cell rows are lattice vectors.
type Structure struct {
	Symbols      []string       `json:"symbols"`
	Positions    [][3]float64   `json:"positions"`
	Cell         *[3][3]float64 `json:"cell,omitempty"`
	PBC          [3]bool        `json:"pbc"`
	Charge       int            `json:"charge"`
	Multiplicity int            `json:"multiplicity"`
	Magmoms      []float64      `json:"magmoms,omitempty"`
}

// Response is the envelope read from a calculator program's stdout.
type Response struct {
	Status  string     `json:"status"` // ok | error
	Error   string     `json:"error,omitempty"`
	Results *Results   `json:"results,omitempty"`
	Logs    []LogEntry `json:"logs,omitempty"`
}

// Results carries computed properties: energy in eV, forces in eV/Å,
// stress in eV/Å³ (Voigt order).
type Results struct {
	Energy  *float64       `json:"energy,omitempty"`
	Forces  [][3]float64   `json:"forces,omitempty"`
	Stress  []float64      `json:"stress,omitempty"`
	Magmoms []float64      `json:"magmoms,omitempty"`
	Dipole  []float64      `json:"dipole,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// LogEntry represents a log message from a calculator program.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
