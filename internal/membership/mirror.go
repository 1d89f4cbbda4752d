package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/canvasrelay/internal/store"
)

const (
	TopicProjects      = "PROJECTS_V1"
	TopicCollaborators = "COLLABORATORS_V1"
)

const (
	EventProjectCreated          = "PROJECT_CREATED"
	EventProjectDeleted          = "PROJECT_DELETED"
	EventCollaboratorAdded       = "COLLABORATOR_ADDED"
	EventCollaboratorRoleUpdated = "COLLABORATOR_ROLE_UPDATED"
	EventCollaboratorRemoved     = "COLLABORATOR_REMOVED"
)

// ErrMalformedEvent marks messages that can never be applied. Callers should
// skip them instead of retrying.
var ErrMalformedEvent = errors.New("malformed membership event")

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type projectCreated struct {
	ID      json.RawMessage `json:"id"`
	Name    string          `json:"name"`
	OwnerID json.RawMessage `json:"owner_id"`
}

type collaboratorChange struct {
	ProjectID json.RawMessage `json:"projectId"`
	UserID    json.RawMessage `json:"userId"`
	Role      string          `json:"role"`
	NewRole   string          `json:"newRole"`
}

// Mirror applies upstream project and collaborator events to the local
// project store.
type Mirror struct {
	projects store.ProjectStore
	log      zerolog.Logger
}

func NewMirror(projects store.ProjectStore, log zerolog.Logger) *Mirror {
	return &Mirror{projects: projects, log: log.With().Str("component", "membership-mirror").Logger()}
}

// Apply decodes one message from topic and applies it. Unknown topics and
// event names are ignored.
func (m *Mirror) Apply(ctx context.Context, topic string, value []byte) error {
	if len(value) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch topic {
	case TopicProjects:
		return m.applyProject(ctx, env)
	case TopicCollaborators:
		return m.applyCollaborator(ctx, env)
	default:
		m.log.Debug().Str("topic", topic).Msg("ignoring message on unknown topic")
		return nil
	}
}

func (m *Mirror) applyProject(ctx context.Context, env envelope) error {
	switch env.Event {
	case EventProjectCreated:
		var data projectCreated
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		projectID, err := idFromJSON(data.ID)
		if err != nil || projectID == "" {
			return fmt.Errorf("%w: project id is required", ErrMalformedEvent)
		}
		ownerID, err := UserIDFromJSON(data.OwnerID)
		if err != nil || ownerID == "" {
			return fmt.Errorf("%w: owner id is required", ErrMalformedEvent)
		}
		project := store.Project{
			ID:            projectID,
			Name:          data.Name,
			OwnerID:       ownerID,
			Collaborators: []store.Collaborator{{UserID: ownerID, Role: store.RoleOwner}},
		}
		if err := m.projects.PutProject(ctx, project); err != nil {
			return err
		}
		m.log.Info().Str("project_id", projectID).Msg("project mirrored")
		return nil
	case EventProjectDeleted:
		var data collaboratorChange
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		projectID, err := idFromJSON(data.ProjectID)
		if err != nil || projectID == "" {
			return fmt.Errorf("%w: projectId is required", ErrMalformedEvent)
		}
		err = m.projects.DeleteProject(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			m.log.Warn().Str("project_id", projectID).Msg("project to delete was not found")
			return nil
		}
		if err != nil {
			return err
		}
		m.log.Info().Str("project_id", projectID).Msg("project removed from mirror")
		return nil
	default:
		m.log.Debug().Str("event", env.Event).Msg("ignoring project event")
		return nil
	}
}

func (m *Mirror) applyCollaborator(ctx context.Context, env envelope) error {
	var data collaboratorChange
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	projectID, err := idFromJSON(data.ProjectID)
	if err != nil || projectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrMalformedEvent)
	}
	userID, err := UserIDFromJSON(data.UserID)
	if err != nil || userID == "" {
		return fmt.Errorf("%w: userId is required", ErrMalformedEvent)
	}
	logger := m.log.With().Str("project_id", projectID).Str("user_id", userID).Str("event", env.Event).Logger()

	switch env.Event {
	case EventCollaboratorAdded, EventCollaboratorRoleUpdated:
		raw := data.Role
		if env.Event == EventCollaboratorRoleUpdated {
			raw = data.NewRole
		}
		role, err := store.ParseRole(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		err = m.projects.UpsertCollaborator(ctx, projectID, store.Collaborator{UserID: userID, Role: role})
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("collaborator event for unknown project")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info().Str("role", string(role)).Msg("collaborator mirrored")
		return nil
	case EventCollaboratorRemoved:
		err := m.projects.RemoveCollaborator(ctx, projectID, userID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("collaborator event for unknown project")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info().Msg("collaborator removed from mirror")
		return nil
	default:
		logger.Debug().Msg("ignoring collaborator event")
		return nil
	}
}
