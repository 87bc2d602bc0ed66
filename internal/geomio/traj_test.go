package geomio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrajectoryWriterAppendsFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opt.traj")
	w, err := NewTrajectoryWriter(path)
	require.NoError(t, err)

	s := bulkCu(t)
	for i := 0; i < 3; i++ {
		s.Positions.Set(0, 0, float64(i)*0.01)
		require.NoError(t, w.Append(s))
	}
	assert.Equal(t, 3, w.Frames())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.Append(s))

	frames, err := Read(path)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.InDelta(t, 0.02, frames[2].Positions.At(0, 0), 1e-8)
}

func TestTrajectoryWriterRejectsOtherFormats(t *testing.T) {
	_, err := NewTrajectoryWriter(filepath.Join(t.TempDir(), "opt.cif"))
	assert.Error(t, err)
}
