// Package geomio reads and writes structures by file name: XYZ and extended
// XYZ (.xyz, .extxyz, .traj), VASP POSCAR/CONTCAR (.vasp, .poscar) and CIF.
// A .gz, .zst or .bz2 suffix is handled transparently.
package geomio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/fileutil"
)

// Format identifies a geometry file format.
type Format string

const (
	FormatXYZ  Format = "xyz"
	FormatVASP Format = "vasp"
	FormatCIF  Format = "cif"
)

// ErrNoFrames is returned when a file parses but holds no structures.
var ErrNoFrames = errors.New("no structures in file")

// Detect returns the format for path, ignoring any compression suffix.
func Detect(path string) (Format, error) {
	name, _ := fileutil.SplitCompression(filepath.Base(path))
	lower := strings.ToLower(name)
	switch ext := filepath.Ext(lower); ext {
	case ".xyz", ".extxyz", ".traj":
		return FormatXYZ, nil
	case ".vasp", ".poscar":
		return FormatVASP, nil
	case ".cif":
		return FormatCIF, nil
	}
	if strings.HasPrefix(lower, "poscar") || strings.HasPrefix(lower, "contcar") {
		return FormatVASP, nil
	}
	return "", fmt.Errorf("unknown geometry format for %q", path)
}

// Read parses every frame in path.
func Read(path string) ([]*atoms.Structure, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	rc, err := fileutil.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geometry: %w", err)
	}
	defer rc.Close()

	frames, err := Decode(bufio.NewReader(rc), format)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("read %s: %w", path, ErrNoFrames)
	}
	return frames, nil
}

// ReadLast returns the final frame of path.
func ReadLast(path string) (*atoms.Structure, error) {
	frames, err := Read(path)
	if err != nil {
		return nil, err
	}
	return frames[len(frames)-1], nil
}

// Decode parses frames of the given format from r.
func Decode(r io.Reader, format Format) ([]*atoms.Structure, error) {
	switch format {
	case FormatXYZ:
		return readXYZ(r)
	case FormatVASP:
		s, err := readPOSCAR(r)
		if err != nil {
			return nil, err
		}
		return []*atoms.Structure{s}, nil
	case FormatCIF:
		return readCIF(r)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Encode writes frames in the given format. POSCAR holds one frame only.
func Encode(w io.Writer, format Format, frames ...*atoms.Structure) error {
	switch format {
	case FormatXYZ:
		for _, s := range frames {
			if err := writeXYZFrame(w, s); err != nil {
				return err
			}
		}
		return nil
	case FormatVASP:
		if len(frames) != 1 {
			return fmt.Errorf("POSCAR holds exactly one structure, got %d", len(frames))
		}
		return writePOSCAR(w, frames[0])
	case FormatCIF:
		for _, s := range frames {
			if err := writeCIF(w, s); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// Write encodes frames into path, compressing by suffix.
func Write(path string, frames ...*atoms.Structure) error {
	format, err := Detect(path)
	if err != nil {
		return err
	}
	wc, err := fileutil.Create(path)
	if err != nil {
		return fmt.Errorf("create geometry: %w", err)
	}
	bw := bufio.NewWriter(wc)
	if err := Encode(bw, format, frames...); err != nil {
		_ = wc.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		_ = wc.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return wc.Close()
}
