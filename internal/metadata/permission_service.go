package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
)

var ErrPermissionLookup = errors.New("permission lookup failed")

// PermissionService queries the sync server for permission records. Records
// are cached for a while and may go stale; Refresh forces a lookup.
type PermissionService struct {
	baseURL string
	token   func() string
	client  *http.Client
	cache   *cache.Cache
}

func NewPermissionService(baseURL string, token func() string, ttl time.Duration) *PermissionService {
	return &PermissionService{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache.New(ttl, 2*ttl),
	}
}

func cacheKey(id Identity) string {
	return id.Owner + "/" + id.Slug
}

func (s *PermissionService) Permissions(ctx context.Context, id Identity) ([]Permission, error) {
	if x, found := s.cache.Get(cacheKey(id)); found {
		return x.([]Permission), nil
	}
	return s.Refresh(ctx, id)
}

// Refresh bypasses the cache.
func (s *PermissionService) Refresh(ctx context.Context, id Identity) ([]Permission, error) {
	if id.Kind() != KindNetworked {
		return nil, fmt.Errorf("%w: %s is not a networked document", ErrPermissionLookup, id.Key())
	}

	endpoint := fmt.Sprintf("%s/api/documents/%s/%s/permissions", s.baseURL, url.PathEscape(id.Owner), url.PathEscape(id.Slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionLookup, err)
	}
	if s.token != nil {
		if tok := s.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrPermissionLookup, resp.StatusCode)
	}

	var body struct {
		Success bool         `json:"success"`
		Message string       `json:"message"`
		Data    []Permission `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionLookup, err)
	}

	s.cache.Set(cacheKey(id), body.Data, cache.DefaultExpiration)
	return body.Data, nil
}
