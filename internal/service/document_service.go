package service

import (
	"context"
	"fmt"
	"time"

	"collab-editor-be/internal/dto"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/model"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/internal/pkg/serverutils"
	"collab-editor-be/internal/repository/contract"
	"collab-editor-be/pkg/events"
	pktNats "collab-editor-be/pkg/nats"

	"gorm.io/datatypes"
)

type IDocumentService interface {
	// Access returns the level account holds on the document, or "" for none.
	Access(ctx context.Context, owner, slug, account string) (metadata.Level, error)
	Get(ctx context.Context, owner, slug, account string) (*dto.DocumentResponse, error)
	ListPermissions(ctx context.Context, owner, slug, account string) ([]metadata.Permission, error)
	Grant(ctx context.Context, owner, slug, actor string, req *dto.GrantPermissionRequest) (*metadata.Permission, error)
	Revoke(ctx context.Context, owner, slug, actor, account string) error
	RecordSave(ctx context.Context, ev events.Event) error
}

type DocumentService struct {
	docs   contract.DocumentRepository
	perms  contract.PermissionRepository
	logger logger.ILogger
}

func NewDocumentService(docs contract.DocumentRepository, perms contract.PermissionRepository, log logger.ILogger) *DocumentService {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DocumentService{docs: docs, perms: perms, logger: log}
}

func (s *DocumentService) Access(ctx context.Context, owner, slug, account string) (metadata.Level, error) {
	if account == "" {
		return "", nil
	}
	if account == owner {
		return metadata.LevelFullAccess, nil
	}
	perm, err := s.perms.FindOne(ctx, owner, slug, account)
	if err != nil {
		return "", err
	}
	if perm == nil {
		return "", nil
	}
	return metadata.Level(perm.Level), nil
}

func (s *DocumentService) require(ctx context.Context, owner, slug, account string, full bool) (metadata.Level, error) {
	level, err := s.Access(ctx, owner, slug, account)
	if err != nil {
		return "", err
	}
	if level == "" || (full && level != metadata.LevelFullAccess) {
		return "", fmt.Errorf("%w: %s has no access to %s/%s", serverutils.ErrForbidden, account, owner, slug)
	}
	return level, nil
}

func (s *DocumentService) Get(ctx context.Context, owner, slug, account string) (*dto.DocumentResponse, error) {
	level, err := s.require(ctx, owner, slug, account, false)
	if err != nil {
		return nil, err
	}
	doc, err := s.docs.FindOne(ctx, owner, slug)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document %s/%s", serverutils.ErrNotFound, owner, slug)
	}
	return &dto.DocumentResponse{
		Owner:      doc.Owner,
		Slug:       doc.Slug,
		Name:       doc.Name,
		ModifiedBy: doc.ModifiedBy,
		ModifiedAt: doc.ModifiedAt,
		Level:      string(level),
		LastSave:   doc.LastSave,
	}, nil
}

// ListPermissions includes the owner's implicit full-access record first.
func (s *DocumentService) ListPermissions(ctx context.Context, owner, slug, account string) ([]metadata.Permission, error) {
	if _, err := s.require(ctx, owner, slug, account, false); err != nil {
		return nil, err
	}
	rows, err := s.perms.FindAll(ctx, owner, slug)
	if err != nil {
		return nil, err
	}
	out := make([]metadata.Permission, 0, len(rows)+1)
	out = append(out, metadata.Permission{Account: owner, Level: metadata.LevelFullAccess, GrantedBy: owner})
	for _, row := range rows {
		out = append(out, toPermission(row))
	}
	return out, nil
}

func (s *DocumentService) Grant(ctx context.Context, owner, slug, actor string, req *dto.GrantPermissionRequest) (*metadata.Permission, error) {
	if _, err := s.require(ctx, owner, slug, actor, true); err != nil {
		return nil, err
	}
	if req.Account == owner {
		return nil, fmt.Errorf("%w: the owner's access cannot be changed", serverutils.ErrForbidden)
	}
	row := model.DocumentPermission{
		Owner:     owner,
		Slug:      slug,
		Account:   req.Account,
		Level:     req.Level,
		GrantedBy: actor,
		GrantedAt: time.Now(),
	}
	if err := s.perms.Upsert(ctx, &row); err != nil {
		return nil, err
	}
	s.logger.Info("DocumentService", "Permission granted", map[string]interface{}{
		"doc":     owner + "/" + slug,
		"account": req.Account,
		"level":   req.Level,
		"by":      actor,
	})
	perm := toPermission(row)
	return &perm, nil
}

func (s *DocumentService) Revoke(ctx context.Context, owner, slug, actor, account string) error {
	if _, err := s.require(ctx, owner, slug, actor, true); err != nil {
		return err
	}
	return s.perms.Delete(ctx, owner, slug, account)
}

// RecordSave consumes DOCUMENT_SAVED events published by editors.
func (s *DocumentService) RecordSave(ctx context.Context, ev events.Event) error {
	saved := events.ParseDocumentEvent(ev)
	if saved.Type != events.DocumentSaved || saved.Owner == "" || saved.Slug == "" {
		return nil
	}
	name := saved.Name
	if name == "" {
		name = saved.Slug
	}
	at := saved.At
	if at.IsZero() {
		at = time.Now()
	}
	return s.docs.Touch(ctx, &model.Document{
		Owner:      saved.Owner,
		Slug:       saved.Slug,
		Name:       name,
		ModifiedAt: at,
		LastSave: datatypes.JSONMap{
			"session_id": saved.SessionID,
			"key":        saved.Key,
			"tier":       saved.Tier,
		},
	})
}

// Start consumes save events from NATS until the subscriber is closed.
func (s *DocumentService) Start(sub *pktNats.Subscriber) error {
	if err := sub.Subscribe(events.DocumentSaved, "document-service-worker", s.RecordSave); err != nil {
		s.logger.Error("DocumentService", "Failed to start save event subscriber", map[string]interface{}{"error": err})
		return err
	}
	s.logger.Info("DocumentService", "Listening for document save events", nil)
	return nil
}

func toPermission(row model.DocumentPermission) metadata.Permission {
	return metadata.Permission{
		Account:   row.Account,
		Level:     metadata.Level(row.Level),
		GrantedBy: row.GrantedBy,
		GrantedAt: row.GrantedAt,
	}
}
