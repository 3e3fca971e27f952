package specification

import (
	"fmt"

	"gorm.io/gorm"
)

// Specification narrows a query. Repositories chain them in order.
type Specification interface {
	Apply(db *gorm.DB) *gorm.DB
}

// ByDocument filters rows of one owner/slug pair.
type ByDocument struct {
	Owner string
	Slug  string
}

func (s ByDocument) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("owner = ? AND slug = ?", s.Owner, s.Slug)
}

type ByAccount struct {
	Account string
}

func (s ByAccount) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("account = ?", s.Account)
}

// OrderBy applies ordering
type OrderBy struct {
	Field string
	Desc  bool
}

func (s OrderBy) Apply(db *gorm.DB) *gorm.DB {
	direction := "ASC"
	if s.Desc {
		direction = "DESC"
	}
	return db.Order(fmt.Sprintf("%s %s", s.Field, direction))
}
