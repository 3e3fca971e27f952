package service

import (
	"context"
	"testing"
	"time"

	"collab-editor-be/internal/dto"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/model"
	"collab-editor-be/internal/pkg/serverutils"
	"collab-editor-be/internal/repository/contract"
	"collab-editor-be/internal/repository/memory"
	"collab-editor-be/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*DocumentService, contract.DocumentRepository) {
	docs := memory.NewDocumentRepository()
	return NewDocumentService(docs, memory.NewPermissionRepository(), nil), docs
}

func TestAccess(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	level, err := svc.Access(ctx, "alice", "post", "alice")
	require.NoError(t, err)
	assert.Equal(t, metadata.LevelFullAccess, level)

	level, err = svc.Access(ctx, "alice", "post", "bob")
	require.NoError(t, err)
	assert.Empty(t, level)

	level, err = svc.Access(ctx, "alice", "post", "")
	require.NoError(t, err)
	assert.Empty(t, level)

	_, err = svc.Grant(ctx, "alice", "post", "alice", &dto.GrantPermissionRequest{Account: "bob", Level: "read-only"})
	require.NoError(t, err)

	level, err = svc.Access(ctx, "alice", "post", "bob")
	require.NoError(t, err)
	assert.Equal(t, metadata.LevelReadOnly, level)
	assert.False(t, level.CanEdit())
}

func TestGrantAndRevoke(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	t.Run("owner grants", func(t *testing.T) {
		perm, err := svc.Grant(ctx, "alice", "post", "alice", &dto.GrantPermissionRequest{Account: "bob", Level: "editable"})
		require.NoError(t, err)
		assert.Equal(t, "bob", perm.Account)
		assert.Equal(t, metadata.LevelEditable, perm.Level)
		assert.Equal(t, "alice", perm.GrantedBy)
	})

	t.Run("editor cannot grant", func(t *testing.T) {
		_, err := svc.Grant(ctx, "alice", "post", "bob", &dto.GrantPermissionRequest{Account: "carol", Level: "read-only"})
		assert.ErrorIs(t, err, serverutils.ErrForbidden)
	})

	t.Run("owner level is fixed", func(t *testing.T) {
		_, err := svc.Grant(ctx, "alice", "post", "alice", &dto.GrantPermissionRequest{Account: "alice", Level: "read-only"})
		assert.ErrorIs(t, err, serverutils.ErrForbidden)
	})

	t.Run("regrant replaces the level", func(t *testing.T) {
		_, err := svc.Grant(ctx, "alice", "post", "alice", &dto.GrantPermissionRequest{Account: "bob", Level: "full-access"})
		require.NoError(t, err)
		perms, err := svc.ListPermissions(ctx, "alice", "post", "bob")
		require.NoError(t, err)
		require.Len(t, perms, 2)
		assert.Equal(t, "alice", perms[0].Account)
		assert.Equal(t, metadata.LevelFullAccess, perms[0].Level)
		assert.Equal(t, "bob", perms[1].Account)
		assert.Equal(t, metadata.LevelFullAccess, perms[1].Level)
	})

	t.Run("revoke", func(t *testing.T) {
		require.NoError(t, svc.Revoke(ctx, "alice", "post", "alice", "bob"))
		_, err := svc.ListPermissions(ctx, "alice", "post", "bob")
		assert.ErrorIs(t, err, serverutils.ErrForbidden)
	})
}

func TestGetRequiresAccessAndRow(t *testing.T) {
	svc, docs := newTestService()
	ctx := context.Background()

	_, err := svc.Get(ctx, "alice", "post", "mallory")
	assert.ErrorIs(t, err, serverutils.ErrForbidden)

	_, err = svc.Get(ctx, "alice", "post", "alice")
	assert.ErrorIs(t, err, serverutils.ErrNotFound)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, docs.Touch(ctx, &model.Document{Owner: "alice", Slug: "post", Name: "My Post", ModifiedBy: "alice", ModifiedAt: at}))

	res, err := svc.Get(ctx, "alice", "post", "alice")
	require.NoError(t, err)
	assert.Equal(t, "My Post", res.Name)
	assert.Equal(t, "alice", res.ModifiedBy)
	assert.True(t, res.ModifiedAt.Equal(at))
	assert.Equal(t, string(metadata.LevelFullAccess), res.Level)
}

func TestRecordSave(t *testing.T) {
	svc, docs := newTestService()
	ctx := context.Background()
	at := time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC)

	saved := events.DocumentEvent{Type: events.DocumentSaved, SessionID: "s-1", Key: "remote:alice/post", Tier: "networked", Owner: "alice", Slug: "post", Name: "Post", At: at}
	require.NoError(t, svc.RecordSave(ctx, events.BaseEvent{Type: events.DocumentSaved, Data: saved.Payload(), OccurredAt: time.Now()}))

	doc, err := docs.FindOne(ctx, "alice", "post")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Post", doc.Name)
	assert.True(t, doc.ModifiedAt.Equal(at))
	assert.Equal(t, "s-1", doc.LastSave["session_id"])
	assert.Equal(t, "networked", doc.LastSave["tier"])

	// Local documents and other event types leave the table alone.
	local := events.DocumentEvent{Type: events.DocumentSaved, Key: "local:x", At: at}
	require.NoError(t, svc.RecordSave(ctx, events.BaseEvent{Type: events.DocumentSaved, Data: local.Payload()}))
	opened := events.DocumentEvent{Type: events.DocumentOpened, Owner: "bob", Slug: "draft", At: at}
	require.NoError(t, svc.RecordSave(ctx, events.BaseEvent{Type: events.DocumentOpened, Data: opened.Payload()}))

	doc, err = docs.FindOne(ctx, "bob", "draft")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
