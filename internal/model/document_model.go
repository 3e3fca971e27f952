package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Document is the server-side bookkeeping row of a networked document. Content
// lives in the sync hub, never here.
type Document struct {
	ID         uuid.UUID         `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Owner      string            `gorm:"type:varchar(100);not null;uniqueIndex:idx_documents_owner_slug,priority:1" json:"owner"`
	Slug       string            `gorm:"type:varchar(255);not null;uniqueIndex:idx_documents_owner_slug,priority:2" json:"slug"`
	Name       string            `gorm:"type:varchar(255);not null" json:"name"`
	ModifiedBy string            `gorm:"type:varchar(100)" json:"modified_by,omitempty"`
	ModifiedAt time.Time         `json:"modified_at"`
	// LastSave is the session that produced the latest save.
	LastSave   datatypes.JSONMap `gorm:"type:jsonb" json:"last_save,omitempty"`
	CreatedAt  time.Time         `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// DocumentPermission grants one account a level on one document. The owner's
// full access is implicit and never stored.
type DocumentPermission struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Owner     string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_document_permissions_target,priority:1" json:"owner"`
	Slug      string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_document_permissions_target,priority:2" json:"slug"`
	Account   string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_document_permissions_target,priority:3" json:"account"`
	Level     string    `gorm:"type:varchar(20);not null" json:"level"`
	GrantedBy string    `gorm:"type:varchar(100);not null" json:"granted_by"`
	GrantedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"granted_at"`
}
