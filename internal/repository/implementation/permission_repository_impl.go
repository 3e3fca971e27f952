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

type PermissionRepositoryImpl struct {
	db *gorm.DB
}

func NewPermissionRepository(db *gorm.DB) contract.PermissionRepository {
	return &PermissionRepositoryImpl{db: db}
}

func (r *PermissionRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *PermissionRepositoryImpl) FindAll(ctx context.Context, owner, slug string) ([]model.DocumentPermission, error) {
	var perms []model.DocumentPermission
	query := r.applySpecifications(r.db.WithContext(ctx),
		specification.ByDocument{Owner: owner, Slug: slug},
		specification.OrderBy{Field: "granted_at"},
	)
	if err := query.Find(&perms).Error; err != nil {
		return nil, err
	}
	return perms, nil
}

func (r *PermissionRepositoryImpl) FindOne(ctx context.Context, owner, slug, account string) (*model.DocumentPermission, error) {
	var m model.DocumentPermission
	query := r.applySpecifications(r.db.WithContext(ctx),
		specification.ByDocument{Owner: owner, Slug: slug},
		specification.ByAccount{Account: account},
	)
	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *PermissionRepositoryImpl) Upsert(ctx context.Context, perm *model.DocumentPermission) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "slug"}, {Name: "account"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "granted_by", "granted_at"}),
	}).Create(perm).Error
}

func (r *PermissionRepositoryImpl) Delete(ctx context.Context, owner, slug, account string) error {
	query := r.applySpecifications(r.db.WithContext(ctx),
		specification.ByDocument{Owner: owner, Slug: slug},
		specification.ByAccount{Account: account},
	)
	return query.Delete(&model.DocumentPermission{}).Error
}
