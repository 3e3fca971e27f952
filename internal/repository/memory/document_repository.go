package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"collab-editor-be/internal/model"
	"collab-editor-be/internal/repository/contract"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// DocumentRepository keeps document rows in process memory, for a sync server
// running without a database and for tests.
type DocumentRepository struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewDocumentRepository() contract.DocumentRepository {
	return &DocumentRepository{cache: cache.New(cache.NoExpiration, 0)}
}

func documentKey(owner, slug string) string {
	return owner + "/" + slug
}

func (r *DocumentRepository) FindOne(_ context.Context, owner, slug string) (*model.Document, error) {
	if x, found := r.cache.Get(documentKey(owner, slug)); found {
		doc := x.(model.Document)
		return &doc, nil
	}
	return nil, nil
}

func (r *DocumentRepository) Touch(_ context.Context, in *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := documentKey(in.Owner, in.Slug)
	doc := model.Document{ID: uuid.New(), Owner: in.Owner, Slug: in.Slug, CreatedAt: time.Now()}
	if x, found := r.cache.Get(key); found {
		doc = x.(model.Document)
	}
	doc.Name = in.Name
	doc.ModifiedBy = in.ModifiedBy
	doc.ModifiedAt = in.ModifiedAt
	doc.LastSave = in.LastSave
	doc.UpdatedAt = time.Now()
	r.cache.Set(key, doc, cache.NoExpiration)
	return nil
}

type PermissionRepository struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewPermissionRepository() contract.PermissionRepository {
	return &PermissionRepository{cache: cache.New(cache.NoExpiration, 0)}
}

func permissionKey(owner, slug, account string) string {
	return documentKey(owner, slug) + "#" + account
}

func (r *PermissionRepository) FindAll(_ context.Context, owner, slug string) ([]model.DocumentPermission, error) {
	prefix := documentKey(owner, slug) + "#"
	var out []model.DocumentPermission
	for key, item := range r.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, item.Object.(model.DocumentPermission))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].Account < out[j].Account
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}

func (r *PermissionRepository) FindOne(_ context.Context, owner, slug, account string) (*model.DocumentPermission, error) {
	if x, found := r.cache.Get(permissionKey(owner, slug, account)); found {
		perm := x.(model.DocumentPermission)
		return &perm, nil
	}
	return nil, nil
}

func (r *PermissionRepository) Upsert(_ context.Context, perm *model.DocumentPermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := permissionKey(perm.Owner, perm.Slug, perm.Account)
	if x, found := r.cache.Get(key); found {
		perm.ID = x.(model.DocumentPermission).ID
	} else if perm.ID == uuid.Nil {
		perm.ID = uuid.New()
	}
	if perm.GrantedAt.IsZero() {
		perm.GrantedAt = time.Now()
	}
	r.cache.Set(key, *perm, cache.NoExpiration)
	return nil
}

func (r *PermissionRepository) Delete(_ context.Context, owner, slug, account string) error {
	r.cache.Delete(permissionKey(owner, slug, account))
	return nil
}
