package geomio

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/fileutil"
)

// TrajectoryWriter appends extended XYZ frames to a file as they are
// produced, so a trajectory survives an interrupted run.
type TrajectoryWriter struct {
	mu     sync.Mutex
	path   string
	wc     io.WriteCloser
	bw     *bufio.Writer
	frames int
}

// NewTrajectoryWriter creates path, truncating any previous content.
func NewTrajectoryWriter(path string) (*TrajectoryWriter, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	if format != FormatXYZ {
		return nil, fmt.Errorf("trajectory %s: only extended XYZ is supported", path)
	}
	wc, err := fileutil.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trajectory: %w", err)
	}
	return &TrajectoryWriter{path: path, wc: wc, bw: bufio.NewWriter(wc)}, nil
}

// Append writes one frame and flushes it.
func (t *TrajectoryWriter) Append(s *atoms.Structure) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wc == nil {
		return fmt.Errorf("trajectory %s is closed", t.path)
	}
	if err := writeXYZFrame(t.bw, s); err != nil {
		return fmt.Errorf("append frame to %s: %w", t.path, err)
	}
	if err := t.bw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", t.path, err)
	}
	t.frames++
	return nil
}

// Frames returns the number of frames written.
func (t *TrajectoryWriter) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// Close flushes and closes the file. It is safe to call more than once.
func (t *TrajectoryWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wc == nil {
		return nil
	}
	err := t.bw.Flush()
	if cerr := t.wc.Close(); err == nil {
		err = cerr
	}
	t.wc = nil
	return err
}
