package implementation

import (
	"context"
	"os"
	"testing"
	"time"

	"collab-editor-be/internal/model"
	"collab-editor-be/pkg/database"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Load .env from root because tests run in the package dir
	if err := godotenv.Load("../../../.env"); err != nil {
		t.Logf("No .env file found, using system env")
	}
	dsn := os.Getenv("DB_CONNECTION_STRING")
	if dsn == "" {
		t.Skip("Skipping integration test: DB_CONNECTION_STRING not set")
	}

	db, err := database.NewGormDBFromDSN(dsn, true)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, &model.Document{}, &model.DocumentPermission{}))
	return db
}

func TestDocumentRepositoryTouch(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db)
	ctx := context.Background()
	owner, slug := "it-"+uuid.NewString()[:8], "post"
	defer db.Where("owner = ?", owner).Delete(&model.Document{})

	doc, err := repo.FindOne(ctx, owner, slug)
	require.NoError(t, err)
	assert.Nil(t, doc)

	first := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, repo.Touch(ctx, &model.Document{Owner: owner, Slug: slug, Name: "Draft", ModifiedAt: first}))
	second := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.Touch(ctx, &model.Document{
		Owner:      owner,
		Slug:       slug,
		Name:       "Final",
		ModifiedBy: owner,
		ModifiedAt: second,
		LastSave:   datatypes.JSONMap{"tier": "networked"},
	}))

	doc, err = repo.FindOne(ctx, owner, slug)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Final", doc.Name)
	assert.Equal(t, owner, doc.ModifiedBy)
	assert.True(t, doc.ModifiedAt.Equal(second))
	assert.Equal(t, "networked", doc.LastSave["tier"])
}

func TestPermissionRepositoryUpsert(t *testing.T) {
	db := openTestDB(t)
	repo := NewPermissionRepository(db)
	ctx := context.Background()
	owner, slug := "it-"+uuid.NewString()[:8], "post"
	defer db.Where("owner = ?", owner).Delete(&model.DocumentPermission{})

	perm := model.DocumentPermission{Owner: owner, Slug: slug, Account: "bob", Level: "read-only", GrantedBy: owner, GrantedAt: time.Now()}
	require.NoError(t, repo.Upsert(ctx, &perm))
	again := model.DocumentPermission{Owner: owner, Slug: slug, Account: "bob", Level: "editable", GrantedBy: owner, GrantedAt: time.Now()}
	require.NoError(t, repo.Upsert(ctx, &again))

	all, err := repo.FindAll(ctx, owner, slug)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "editable", all[0].Level)

	require.NoError(t, repo.Delete(ctx, owner, slug, "bob"))
	got, err := repo.FindOne(ctx, owner, slug, "bob")
	require.NoError(t, err)
	assert.Nil(t, got)
}
