package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInputRoundtrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	key, err := s.SaveInput("job-1.png", []byte("png bytes"))
	require.NoError(t, err)
	require.Equal(t, "job-1.png", key)

	data, err := s.ReadInput(key)
	require.NoError(t, err)
	require.Equal(t, []byte("png bytes"), data)

	_, err = s.ReadInput("missing.png")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOutputNestedKey(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	key, err := s.SaveOutput("job-1/model.stl", []byte("solid mesh"))
	require.NoError(t, err)

	path, err := s.OutputPath(key)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("solid mesh"), data)

	_, err = s.OutputPath("job-1/model.glb")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTraversalRejected(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	// Plant a file outside the bases that a traversal would reach.
	secret := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o644))

	for _, key := range []string{
		"../secret.txt",
		"a/../../secret.txt",
		"/etc/passwd",
		"",
	} {
		_, err := s.ReadInput(key)
		require.ErrorIs(t, err, ErrTraversal, "key %q", key)
		_, err = s.SaveOutput(key, []byte("x"))
		require.ErrorIs(t, err, ErrTraversal, "key %q", key)
	}
}

func TestRemove(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.SaveInput("job-1.jpg", []byte("x"))
	require.NoError(t, err)
	_, err = s.SaveOutput("job-1/model.stl", []byte("x"))
	require.NoError(t, err)
	_, err = s.SaveOutput("job-1/model.glb", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveInput("job-1.jpg"))
	require.NoError(t, s.RemoveInput("job-1.jpg"), "second remove is a no-op")
	require.NoError(t, s.RemoveOutputs("job-1"))

	_, err = s.OutputPath("job-1/model.stl")
	require.ErrorIs(t, err, ErrNotFound)
}
