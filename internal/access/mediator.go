package access

import (
	"context"

	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/repository"
)

// Mediator answers project-level authorization questions. Every read or
// write that touches an asset goes through it; callers translate a denial
// into a not-found response so outsiders cannot probe for project IDs.
type Mediator struct {
	projects *repository.ProjectRepository
}

// NewMediator creates a new access mediator.
// Parameters:
//   - projects: repository used for ownership and membership lookups.
// Returns:
//   - *Mediator: mediator instance.
func NewMediator(projects *repository.ProjectRepository) *Mediator {
	return &Mediator{projects: projects}
}

// CanAccessProject reports whether an identity may act on a project.
// Service identities always may. Users qualify by owning the project or by
// membership in the project's organization.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: authenticated identity; nil is denied.
//   - project: project being accessed.
// Returns:
//   - bool: true if access is allowed.
//   - error: non-nil if the membership lookup fails.
func (m *Mediator) CanAccessProject(ctx context.Context, id *auth.Identity, project *domain.Project) (bool, error) {
	if id == nil || project == nil {
		return false, nil
	}
	if id.IsService() {
		return true, nil
	}
	if project.OwnerID == id.Subject {
		return true, nil
	}
	if project.OrganizationID != nil && *project.OrganizationID != "" {
		return m.projects.IsOrganizationMember(ctx, *project.OrganizationID, id.Subject)
	}
	return false, nil
}
