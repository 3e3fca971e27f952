package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"collab-editor-be/internal/auth"
	"collab-editor-be/internal/bootstrap"
	"collab-editor-be/internal/config"
	"collab-editor-be/internal/dto"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/pkg/serverutils"
	"collab-editor-be/internal/server"
	"collab-editor-be/pkg/events"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func newTestApp(t *testing.T) (*fiber.App, *bootstrap.Container) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		App: config.AppConfig{
			Port:               "0",
			Environment:        "test",
			LogFilePath:        filepath.Join(dir, "app.log"),
			SyncLogFilePath:    filepath.Join(dir, "sync.log"),
			CorsAllowedOrigins: "*",
		},
		Auth: config.AuthConfig{JWTSecret: secret},
	}
	container := bootstrap.NewContainer(nil, cfg)
	t.Cleanup(container.Close)
	return server.New(cfg, container).GetApp(), container
}

func token(t *testing.T, account string) string {
	t.Helper()
	tok, err := auth.NewVerifier(secret).Issue("user-"+account, account, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, app *fiber.App, method, path, account string, body any) *http.Response {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, strings.NewReader(string(data)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if account != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, account))
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) serverutils.BaseResponse[T] {
	t.Helper()
	defer resp.Body.Close()
	var out serverutils.BaseResponse[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	app, _ := newTestApp(t)

	resp := do(t, app, "GET", "/healthz", "", nil)
	assert.Equal(t, 200, resp.StatusCode)
	res := decode[map[string]int](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Data["rooms"])
}

func TestPermissionsAPI(t *testing.T) {
	app, _ := newTestApp(t)
	base := "/api/documents/alice/post"

	t.Run("Missing token", func(t *testing.T) {
		resp := do(t, app, "GET", base+"/permissions", "", nil)
		assert.Equal(t, 401, resp.StatusCode)
	})

	t.Run("Stranger is forbidden", func(t *testing.T) {
		resp := do(t, app, "GET", base+"/permissions", "mallory", nil)
		assert.Equal(t, 403, resp.StatusCode)
		res := decode[any](t, resp)
		assert.False(t, res.Success)
	})

	t.Run("Owner grants", func(t *testing.T) {
		resp := do(t, app, "POST", base+"/permissions", "alice", dto.GrantPermissionRequest{Account: "bob", Level: "read-only"})
		assert.Equal(t, 200, resp.StatusCode)
		res := decode[metadata.Permission](t, resp)
		assert.True(t, res.Success)
		assert.Equal(t, "bob", res.Data.Account)
		assert.Equal(t, metadata.LevelReadOnly, res.Data.Level)
	})

	t.Run("Invalid level", func(t *testing.T) {
		resp := do(t, app, "POST", base+"/permissions", "alice", map[string]string{"account": "carol", "level": "admin"})
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("Member lists", func(t *testing.T) {
		resp := do(t, app, "GET", base+"/permissions", "bob", nil)
		assert.Equal(t, 200, resp.StatusCode)
		res := decode[[]metadata.Permission](t, resp)
		require.Len(t, res.Data, 2)
		assert.Equal(t, "alice", res.Data[0].Account)
		assert.Equal(t, metadata.LevelFullAccess, res.Data[0].Level)
		assert.Equal(t, "bob", res.Data[1].Account)
	})

	t.Run("Read-only member cannot grant", func(t *testing.T) {
		resp := do(t, app, "POST", base+"/permissions", "bob", dto.GrantPermissionRequest{Account: "carol", Level: "editable"})
		assert.Equal(t, 403, resp.StatusCode)
	})

	t.Run("Owner revokes", func(t *testing.T) {
		resp := do(t, app, "DELETE", base+"/permissions/bob", "alice", nil)
		assert.Equal(t, 200, resp.StatusCode)

		resp = do(t, app, "GET", base+"/permissions", "bob", nil)
		assert.Equal(t, 403, resp.StatusCode)
	})
}

func TestShowDocument(t *testing.T) {
	app, container := newTestApp(t)

	resp := do(t, app, "GET", "/api/documents/alice/post", "alice", nil)
	assert.Equal(t, 404, resp.StatusCode)

	saved := events.DocumentEvent{Type: events.DocumentSaved, Owner: "alice", Slug: "post", Name: "Post", At: time.Now()}
	require.NoError(t, container.DocumentService.RecordSave(context.Background(), events.BaseEvent{Type: events.DocumentSaved, Data: saved.Payload()}))

	resp = do(t, app, "GET", "/api/documents/alice/post", "alice", nil)
	assert.Equal(t, 200, resp.StatusCode)
	res := decode[dto.DocumentResponse](t, resp)
	assert.Equal(t, "Post", res.Data.Name)
	assert.Equal(t, "full-access", res.Data.Level)
}

func TestSyncEndpointRequiresUpgrade(t *testing.T) {
	app, _ := newTestApp(t)

	resp := do(t, app, "GET", "/ws/docs/alice/post", "", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
