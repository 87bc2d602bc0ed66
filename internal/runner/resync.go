package runner

import (
	"fmt"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/fileutil"
	"github.com/mattjoyce/calcflow/internal/geomio"
)

// Resync overwrites the positions and cell of s with the last frame of the
// geometry file at path, or its compressed variant. The species sequence
// must match exactly; results and metadata are left alone.
func Resync(s *atoms.Structure, path string) error {
	p := fileutil.ZPath(path)
	frame, err := geomio.ReadLast(p)
	if err != nil {
		return fmt.Errorf("resync from %s: %w", p, err)
	}
	if !s.SameSpecies(frame) {
		return &calcerr.IntegrityError{
			File: p,
			Want: append([]string(nil), s.Symbols...),
			Got:  append([]string(nil), frame.Symbols...),
		}
	}

	if err := s.SetPositions(frame.Positions); err != nil {
		return fmt.Errorf("resync from %s: %w", p, err)
	}
	if frame.Cell != nil {
		pbc := s.PBC
		if s.Cell == nil {
			pbc = frame.PBC
		}
		s.SetCell(frame.Cell, pbc)
	}
	return nil
}
