// Package metadata describes documents independently of their content: the
// identity used to key caches, the file metadata record and permission records.
package metadata

import (
	"errors"
	"fmt"
	"time"

	"collab-editor-be/internal/tier"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidRecord = errors.New("invalid metadata record")

var validate = validator.New()

type Kind string

const (
	KindLocal     Kind = "local"
	KindNetworked Kind = "networked"
)

// Identity names a document either by a local id or by an owner and slug.
// Owner and slug may not contain "/" so that Key stays unambiguous.
type Identity struct {
	LocalID string `json:"local_id,omitempty" validate:"required_without=Owner"`
	Owner   string `json:"owner,omitempty" validate:"required_with=Slug,excludesall=/"`
	Slug    string `json:"slug,omitempty" validate:"required_with=Owner,excludesall=/"`
}

func (i Identity) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Key is the stable string the local cache is keyed by.
func (i Identity) Key() string {
	if i.Owner != "" {
		return "remote:" + i.Owner + "/" + i.Slug
	}
	return "local:" + i.LocalID
}

func (i Identity) Kind() Kind {
	if i.Provenance().HasRemote() {
		return KindNetworked
	}
	return KindLocal
}

func (i Identity) Provenance() tier.Provenance {
	return tier.Provenance{Owner: i.Owner, Slug: i.Slug}
}

// FileRecord never carries document content.
type FileRecord struct {
	Key        string    `json:"key" validate:"required"`
	Kind       Kind      `json:"kind" validate:"oneof=local networked"`
	Name       string    `json:"name" validate:"required"`
	Owner      string    `json:"owner,omitempty" validate:"required_if=Kind networked,excluded_if=Kind local"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size,omitempty" validate:"gte=0,excluded_if=Kind networked"`
	Unsaved    bool      `json:"unsaved,omitempty"`
}

func (r FileRecord) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

type Level string

const (
	LevelReadOnly   Level = "read-only"
	LevelEditable   Level = "editable"
	LevelFullAccess Level = "full-access"
)

func (l Level) CanEdit() bool {
	return l == LevelEditable || l == LevelFullAccess
}

func (l Level) Valid() bool {
	switch l {
	case LevelReadOnly, LevelEditable, LevelFullAccess:
		return true
	}
	return false
}

// Permission exists only for networked documents.
type Permission struct {
	Account   string    `json:"account" validate:"required"`
	Level     Level     `json:"level" validate:"oneof=read-only editable full-access"`
	GrantedBy string    `json:"granted_by" validate:"required"`
	GrantedAt time.Time `json:"granted_at"`
}
