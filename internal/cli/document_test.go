package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"collab-editor-be/internal/bootstrap"
	"collab-editor-be/internal/config"
	"collab-editor-be/internal/metadata"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func testOptions(t *testing.T, format string) *RootOptions {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		App: config.AppConfig{
			Environment:     "test",
			LogFilePath:     filepath.Join(dir, "app.log"),
			SyncLogFilePath: filepath.Join(dir, "sync.log"),
		},
		Sync: config.SyncConfig{
			ServerURL:    "ws://127.0.0.1:1",
			ReconnectMin: 10 * time.Millisecond,
			ReconnectMax: 50 * time.Millisecond,
			PingInterval: time.Second,
		},
		Cache:    config.CacheConfig{Path: filepath.Join(dir, "cache.db")},
		Auth:     config.AuthConfig{PermissionCacheTTL: time.Minute},
		Autosave: config.AutosaveConfig{Debounce: 10 * time.Millisecond},
	}
	return &RootOptions{
		Format: format,
		NewEditor: func() (*bootstrap.Editor, error) {
			return bootstrap.NewEditor(cfg)
		},
	}
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestNewAndExport(t *testing.T) {
	opts := testOptions(t, "text")

	out, err := execute(t, NewNewCommand(opts), "--id", "note-1", "--name", "Notes", "--title", "Hello", "--body", "First line", "--tag", "go")
	require.NoError(t, err)
	assert.Contains(t, out, "Created local:note-1 (Notes, local-only)")

	out, err = execute(t, NewExportCommand(opts), "note-1", "--as", "plain")
	require.NoError(t, err)
	assert.Equal(t, "Hello\n\nFirst line", out)

	out, err = execute(t, NewExportCommand(opts), "note-1")
	require.NoError(t, err)
	assert.Contains(t, out, "---\n")
	assert.Contains(t, out, "- go")
	assert.Contains(t, out, "# Hello\n\nFirst line\n")
}

func TestOpenAppliesEdits(t *testing.T) {
	opts := testOptions(t, "text")

	_, err := execute(t, NewNewCommand(opts), "--id", "draft", "--title", "Old", "--body", "abc")
	require.NoError(t, err)

	out, err := execute(t, NewOpenCommand(opts), "draft", "--title", "New", "--append", "def")
	require.NoError(t, err)
	assert.Contains(t, out, "Opened local:draft")

	out, err = execute(t, NewExportCommand(opts), "draft", "--as", "plain")
	require.NoError(t, err)
	assert.Equal(t, "New\n\nabcdef", out)
}

func TestListJSON(t *testing.T) {
	opts := testOptions(t, "json")

	out, err := execute(t, NewListCommand(opts))
	require.NoError(t, err)
	var empty struct {
		Status string                `json:"status"`
		Data   []metadata.FileRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &empty))
	assert.Equal(t, "ok", empty.Status)
	assert.Empty(t, empty.Data)

	_, err = execute(t, NewNewCommand(opts), "--id", "a", "--name", "First")
	require.NoError(t, err)
	_, err = execute(t, NewNewCommand(opts), "--id", "b", "--name", "Second")
	require.NoError(t, err)

	out, err = execute(t, NewListCommand(opts))
	require.NoError(t, err)
	var resp struct {
		Status string                `json:"status"`
		Data   []metadata.FileRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)

	keys := []string{resp.Data[0].Key, resp.Data[1].Key}
	assert.ElementsMatch(t, []string{"local:a", "local:b"}, keys)
	for _, r := range resp.Data {
		assert.Equal(t, metadata.KindLocal, r.Kind)
	}
}

func TestInfoLocalDocument(t *testing.T) {
	opts := testOptions(t, "text")

	_, err := execute(t, NewNewCommand(opts), "--id", "memo", "--name", "Memo", "--body", "hello")
	require.NoError(t, err)

	out, err := execute(t, NewInfoCommand(opts), "memo")
	require.NoError(t, err)
	assert.Contains(t, out, "Key:      local:memo")
	assert.Contains(t, out, "Name:     Memo")
	assert.Contains(t, out, "Kind:     local")
	assert.NotContains(t, out, "Warning")
}

func TestInvalidArguments(t *testing.T) {
	opts := testOptions(t, "text")

	_, err := execute(t, NewExportCommand(opts), "memo", "--as", "html")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, NewOpenCommand(opts), "alice/")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, NewOpenCommand(opts), "alice/drafts/post")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, NewOpenCommand(opts))
	require.Error(t, err)
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	cmd := NewRootCommand()
	_, err := execute(t, cmd, "--format", "yaml", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", assert.AnError)))
}

func TestRemove(t *testing.T) {
	opts := testOptions(t, "text")

	_, err := execute(t, NewNewCommand(opts), "--id", "gone")
	require.NoError(t, err)
	out, err := execute(t, NewRemoveCommand(opts), "gone")
	require.NoError(t, err)
	assert.Equal(t, "Removed local:gone\n", out)

	opts.Format = "json"
	out, err = execute(t, NewListCommand(opts))
	require.NoError(t, err)
	var resp struct {
		Data []metadata.FileRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Empty(t, resp.Data)
}
