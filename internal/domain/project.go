package domain

import "time"

// Project is the ownership scope for assets. A project belongs to a single
// owner and may additionally be attached to an organization whose members
// share access.
type Project struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	OwnerID        string    `gorm:"type:text;not null;index:idx_projects_owner" json:"owner_id"`
	OrganizationID *string   `gorm:"type:text;index:idx_projects_org" json:"organization_id,omitempty"`
	Name           string    `gorm:"type:text;not null" json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Project.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Project) TableName() string {
	return "projects"
}

// OrganizationMember is the ACL relation consulted for shared project access.
// The pipeline only reads it; membership management lives elsewhere.
type OrganizationMember struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:text;not null;index:idx_org_members_org_user,unique" json:"organization_id"`
	UserID         string    `gorm:"type:text;not null;index:idx_org_members_org_user,unique" json:"user_id"`
	Role           string    `gorm:"type:text;default:member" json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for OrganizationMember.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (OrganizationMember) TableName() string {
	return "organization_members"
}
