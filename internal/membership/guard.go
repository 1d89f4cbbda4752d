// Package membership answers "what role does this user hold in this project"
// and keeps the local project mirror in step with upstream events.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agentworkforce/canvasrelay/internal/errs"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

const (
	msgProjectNotFound = "Project not found."
	msgJoinDenied      = "You do not have permission to join this project."
)

// Guard evaluates roles against the project store on every call.
type Guard struct {
	projects store.ProjectStore
}

func NewGuard(projects store.ProjectStore) *Guard {
	return &Guard{projects: projects}
}

// Role returns the caller's role in projectID, or RoleNone when the user is
// not a collaborator. The project owner always resolves to RoleOwner.
func (g *Guard) Role(ctx context.Context, projectID, userID string) (store.Role, error) {
	project, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.RoleNone, errs.NotFound(msgProjectNotFound)
		}
		return store.RoleNone, errs.Storage("Failed to load project.", err)
	}
	userID = NormalizeUserID(userID)
	if userID == "" {
		return store.RoleNone, nil
	}
	if role := project.RoleOf(userID); role != store.RoleNone {
		return role, nil
	}
	if NormalizeUserID(project.OwnerID) == userID {
		return store.RoleOwner, nil
	}
	return store.RoleNone, nil
}

// RequireMember allows any role.
func (g *Guard) RequireMember(ctx context.Context, projectID, userID string) (store.Role, error) {
	role, err := g.Role(ctx, projectID, userID)
	if err != nil {
		return store.RoleNone, err
	}
	if role == store.RoleNone {
		return store.RoleNone, errs.PermissionDenied(msgJoinDenied)
	}
	return role, nil
}

// RequireWriter allows owners and editors. action completes the denial
// message, e.g. "create pages".
func (g *Guard) RequireWriter(ctx context.Context, projectID, userID, action string) error {
	role, err := g.Role(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !role.CanWrite() {
		return errs.PermissionDenied(fmt.Sprintf("Only owners or editors can %s.", action))
	}
	return nil
}

// NormalizeUserID canonicalizes a user id so that 7, 7.0, "7" and " 007 "
// compare equal. Non-numeric ids are only trimmed.
func NormalizeUserID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return raw
}

// UserIDFromJSON accepts a JSON string or number and returns it normalized.
func UserIDFromJSON(raw json.RawMessage) (string, error) {
	id, err := idFromJSON(raw)
	if err != nil {
		return "", err
	}
	return NormalizeUserID(id), nil
}

func idFromJSON(raw json.RawMessage) (string, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %w", err)
	}
	return n.String(), nil
}
