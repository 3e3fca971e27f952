package contract

import (
	"context"

	"collab-editor-be/internal/model"
)

type DocumentRepository interface {
	// FindOne returns nil, nil when the document has no row yet.
	FindOne(ctx context.Context, owner, slug string) (*model.Document, error)
	// Touch creates the row of doc.Owner/doc.Slug on first use and records
	// the latest save.
	Touch(ctx context.Context, doc *model.Document) error
}

type PermissionRepository interface {
	FindAll(ctx context.Context, owner, slug string) ([]model.DocumentPermission, error)
	// FindOne returns nil, nil when account holds no grant.
	FindOne(ctx context.Context, owner, slug, account string) (*model.DocumentPermission, error)
	Upsert(ctx context.Context, perm *model.DocumentPermission) error
	Delete(ctx context.Context, owner, slug, account string) error
}
