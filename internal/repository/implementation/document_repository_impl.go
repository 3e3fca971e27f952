package implementation

import (
	"context"
	"errors"

	"collab-editor-be/internal/model"
	"collab-editor-be/internal/repository/contract"
	"collab-editor-be/internal/repository/specification"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DocumentRepositoryImpl struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) contract.DocumentRepository {
	return &DocumentRepositoryImpl{db: db}
}

func (r *DocumentRepositoryImpl) FindOne(ctx context.Context, owner, slug string) (*model.Document, error) {
	var m model.Document
	query := specification.ByDocument{Owner: owner, Slug: slug}.Apply(r.db.WithContext(ctx))
	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *DocumentRepositoryImpl) Touch(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "modified_by", "modified_at", "last_save", "updated_at"}),
	}).Create(doc).Error
}
