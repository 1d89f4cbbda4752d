package membership

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/canvasrelay/internal/store"
)

const seedYAML = `projects:
  - id: p1
    name: Poster
    ownerId: "01"
    collaborators:
      - userId: "1"
        role: owner
      - userId: "2"
        role: Viewer
`

func TestSeedFileLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))
	s := store.NewMemoryStore()

	n, err := NewSeedFile(path, s, zerolog.Nop()).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	project, err := s.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "1", project.OwnerID)
	require.Equal(t, store.RoleViewer, project.RoleOf("2"))
}

func TestSeedFileRejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte("projects:\n  - id: p1\n    collaborators:\n      - userId: \"1\"\n        role: admin\n"), 0o644))

	_, err := NewSeedFile(path, store.NewMemoryStore(), zerolog.Nop()).Load(context.Background())
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestSeedFileWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))
	s := store.NewMemoryStore()
	seed := NewSeedFile(path, s, zerolog.Nop())
	_, err := seed.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seed.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	updated := seedYAML + "      - userId: \"3\"\n        role: editor\n"
	require.Eventually(t, func() bool {
		// Rewrite until the watcher has started and observed a change.
		_ = os.WriteFile(path, []byte(updated), 0o644)
		project, err := s.GetProject(context.Background(), "p1")
		return err == nil && project.RoleOf("3") == store.RoleEditor
	}, 5*time.Second, 50*time.Millisecond)
}
