package membership

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/canvasrelay/internal/store"
)

type seedDocument struct {
	Projects []store.Project `yaml:"projects"`
}

// SeedFile loads project membership from a YAML file, for deployments that
// run without the upstream event log.
type SeedFile struct {
	path     string
	projects store.ProjectStore
	log      zerolog.Logger
}

func NewSeedFile(path string, projects store.ProjectStore, log zerolog.Logger) *SeedFile {
	return &SeedFile{
		path:     strings.TrimSpace(path),
		projects: projects,
		log:      log.With().Str("component", "membership-seed").Str("path", path).Logger(),
	}
}

// Load upserts every project listed in the file. Projects missing from the
// file are left untouched.
func (s *SeedFile) Load(ctx context.Context) (int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}
	var doc seedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}
	for i, project := range doc.Projects {
		project.ID = strings.TrimSpace(project.ID)
		if project.ID == "" {
			return i, fmt.Errorf("seed file project %d: %w: id is required", i, store.ErrInvalidInput)
		}
		project.OwnerID = NormalizeUserID(project.OwnerID)
		for j := range project.Collaborators {
			c := &project.Collaborators[j]
			c.UserID = NormalizeUserID(c.UserID)
			role, err := store.ParseRole(string(c.Role))
			if err != nil {
				return i, fmt.Errorf("seed file project %s: %w", project.ID, err)
			}
			c.Role = role
		}
		if err := s.projects.PutProject(ctx, project); err != nil {
			return i, err
		}
	}
	return len(doc.Projects), nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that atomic rename-based saves are seen.
func (s *SeedFile) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			n, err := s.Load(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("seed file reload failed")
				continue
			}
			s.log.Info().Int("projects", n).Msg("seed file reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error().Err(err).Msg("seed file watcher error")
		}
	}
}
