package dto

import "time"

type GrantPermissionRequest struct {
	Account string `json:"account" validate:"required"`
	Level   string `json:"level" validate:"required,oneof=read-only editable full-access"`
}

type DocumentResponse struct {
	Owner      string    `json:"owner"`
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	ModifiedBy string    `json:"modified_by,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
	Level      string    `json:"level"`

	LastSave map[string]interface{} `json:"last_save,omitempty"`
}
