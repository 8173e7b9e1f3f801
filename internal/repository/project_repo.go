package repository

import (
	"context"

	"github.com/helioform/polyscape/internal/domain"
	"gorm.io/gorm"
)

// ProjectRepository handles project and organization membership reads. The
// pipeline never mutates ownership, so this repository is read-mostly.
type ProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository creates a new ProjectRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ProjectRepository: repository instance bound to db.
func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts a new project record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - project: project record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ProjectRepository) Create(ctx context.Context, project *domain.Project) error {
	return r.db.WithContext(ctx).Create(project).Error
}

// GetByID retrieves a project by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: project ID.
// Returns:
//   - *domain.Project: project record if found.
//   - error: non-nil if lookup fails.
func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*domain.Project, error) {
	var project domain.Project
	if err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

// IsOrganizationMember checks whether a user belongs to an organization.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - organizationID: organization to check.
//   - userID: user to check.
// Returns:
//   - bool: true if a membership row exists.
//   - error: non-nil if the lookup fails.
func (r *ProjectRepository) IsOrganizationMember(ctx context.Context, organizationID, userID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.OrganizationMember{}).
		Where("organization_id = ? AND user_id = ?", organizationID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
