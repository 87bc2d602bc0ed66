package atoms

// Unit conversions (CODATA 2018).
const (
	Hartree = 27.211386245988 // eV
	Bohr    = 0.529177210903  // Å
)
