package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"collab-editor-be/internal/bootstrap"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/persistence"
	"collab-editor-be/internal/schema"
	"collab-editor-be/internal/session"
	"collab-editor-be/internal/tier"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const closeTimeout = 10 * time.Second

// SessionResult is what new and open report.
type SessionResult struct {
	Session    string                      `json:"session"`
	Key        string                      `json:"key"`
	Name       string                      `json:"name"`
	Tier       string                      `json:"tier"`
	Connection persistence.ConnectionState `json:"connection"`
}

func sessionResult(ed *bootstrap.Editor, s session.Session) SessionResult {
	return SessionResult{
		Session:    s.ID,
		Key:        s.Identity.Key(),
		Name:       s.Name,
		Tier:       string(s.Tier),
		Connection: ed.Engine.ConnectionState(),
	}
}

func (r SessionResult) print(w io.Writer, verb string) {
	fmt.Fprintf(w, "%s %s (%s, %s)\n", color.GreenString(verb), r.Key, r.Name, r.Tier)
	switch r.Connection {
	case "", persistence.StateDisconnected:
	case persistence.StateSynced:
		fmt.Fprintf(w, "Connection: %s\n", color.GreenString(string(r.Connection)))
	default:
		fmt.Fprintf(w, "Connection: %s\n", color.YellowString(string(r.Connection)))
	}
}

// withEditor builds an editor, runs fn and closes the editor, flushing the
// open document.
func withEditor(opts *RootOptions, fn func(ctx context.Context, ed *bootstrap.Editor) error) error {
	ed, err := opts.NewEditor()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start editor", err)
	}
	ctx := context.Background()
	runErr := fn(ctx, ed)

	closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	if err := ed.Close(closeCtx); err != nil && runErr == nil {
		runErr = WrapExitError(ExitFailure, "failed to close editor", err)
	}
	return runErr
}

// parseDescriptor reads "owner/slug" as a networked document and anything
// else as a local id.
func parseDescriptor(arg, name string) (session.Descriptor, error) {
	d := session.Descriptor{Name: name}
	if owner, slug, ok := strings.Cut(arg, "/"); ok {
		d.Owner, d.Slug = owner, slug
	} else {
		d.LocalID = arg
	}
	if err := d.Validate(); err != nil {
		return d, WrapExitError(ExitCommandError, "invalid document "+arg, err)
	}
	return d, nil
}

// NewOptions holds flags for the new command.
type NewOptions struct {
	*RootOptions
	ID    string
	Name  string
	Title string
	Body  string
	Tags  []string
}

func NewNewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NewOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "new",
		Short:         "Create a local document",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNew(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "local id (default: a new uuid)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Title, "title", "", "initial title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "initial body")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "initial tags (repeatable)")

	return cmd
}

func runNew(opts *NewOptions, cmd *cobra.Command) error {
	initial := make(map[string]any)
	if opts.Title != "" {
		initial[schema.FieldTitle] = opts.Title
	}
	if opts.Body != "" {
		initial[schema.FieldBody] = opts.Body
	}
	if len(opts.Tags) > 0 {
		initial[schema.FieldTags] = opts.Tags
	}

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	return withEditor(opts.RootOptions, func(ctx context.Context, ed *bootstrap.Editor) error {
		s, err := ed.Engine.NewDocument(ctx, session.NewOptions{
			LocalID: opts.ID,
			Name:    opts.Name,
			Initial: initial,
		})
		if err != nil {
			return WrapExitError(ExitFailure, "failed to create document", err)
		}
		if err := ed.Engine.Save(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to save document", err)
		}
		res := sessionResult(ed, s)
		return out.Success(res, func(w io.Writer) { res.print(w, "Created") })
	})
}

// OpenOptions holds flags for the open command.
type OpenOptions struct {
	*RootOptions
	Name   string
	Append string
	Title  string
	Tags   []string
	Wait   time.Duration
}

func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OpenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "open <local-id | owner/slug>",
		Short: "Open a document, optionally editing it",
		Long: "Open a document from the local cache. Remote documents sync with the server when " +
			"a valid token is configured, and fall back to the local cache otherwise.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Append, "append", "", "text to append to the body")
	cmd.Flags().StringVar(&opts.Title, "title", "", "replace the title")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tags to add (repeatable)")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 5*time.Second, "how long to wait for a networked document to sync")

	return cmd
}

func runOpen(opts *OpenOptions, cmd *cobra.Command, arg string) error {
	d, err := parseDescriptor(arg, opts.Name)
	if err != nil {
		return err
	}

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	return withEditor(opts.RootOptions, func(ctx context.Context, ed *bootstrap.Editor) error {
		changes, unsubscribe := ed.Engine.Subscribe()
		defer unsubscribe()

		s, err := ed.Engine.OpenDocument(ctx, d)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to open document", err)
		}
		if s.Tier == tier.Networked {
			waitSynced(ed, changes, opts.Wait)
		}

		if err := applyEdits(ed.Engine, opts); err != nil {
			return WrapExitError(ExitFailure, "failed to edit document", err)
		}
		if err := ed.Engine.Save(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to save document", err)
		}

		res := sessionResult(ed, s)
		return out.Success(res, func(w io.Writer) { res.print(w, "Opened") })
	})
}

// waitSynced returns once the remote channel reports synced, fails, or wait
// runs out. Edits made before that are still merged when the channel syncs.
func waitSynced(ed *bootstrap.Editor, changes <-chan persistence.StateChange, wait time.Duration) {
	if ed.Engine.ConnectionState() == persistence.StateSynced {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			switch ch.To {
			case persistence.StateSynced, persistence.StateError:
				return
			}
		}
	}
}

func applyEdits(engine *session.Engine, opts *OpenOptions) error {
	if opts.Title != "" {
		title, ok := engine.FieldSurface(schema.FieldTitle)
		if !ok {
			return session.ErrNoSession
		}
		current, err := title.ExportText()
		if err != nil {
			return err
		}
		if err := title.Replace(0, utf8.RuneCountInString(current), opts.Title); err != nil {
			return err
		}
	}
	if opts.Append != "" {
		body, ok := engine.FieldSurface(schema.FieldBody)
		if !ok {
			return session.ErrNoSession
		}
		current, err := body.ExportText()
		if err != nil {
			return err
		}
		if err := body.Insert(utf8.RuneCountInString(current), opts.Append); err != nil {
			return err
		}
	}
	if len(opts.Tags) > 0 {
		tags, ok := engine.FieldSurface(schema.FieldTags)
		if !ok {
			return session.ErrNoSession
		}
		for _, tag := range opts.Tags {
			if err := tags.Push(tag); err != nil {
				return err
			}
		}
	}
	return nil
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List documents in the local cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withEditor(rootOpts, func(ctx context.Context, ed *bootstrap.Editor) error {
				records, err := ed.Engine.Documents(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list documents", err)
				}
				if records == nil {
					records = []metadata.FileRecord{}
				}
				return out.Success(records, func(w io.Writer) { printRecords(w, records) })
			})
		},
	}
}

func printRecords(w io.Writer, records []metadata.FileRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No documents")
		return
	}
	for _, r := range records {
		marker := " "
		if r.Unsaved {
			marker = color.YellowString("*")
		}
		fmt.Fprintf(w, "%s %-40s %-10s %-24s %s\n", marker, r.Key, r.Kind, r.Name, r.ModifiedAt.Format(time.RFC3339))
	}
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	As string // "markdown" | "plain"
}

// ExportResult is the JSON form of an export.
type ExportResult struct {
	Key     string `json:"key"`
	As      string `json:"as"`
	Content string `json:"content"`
}

func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "export <local-id | owner/slug>",
		Short:         "Export a document as Markdown or plain text",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.As, "as", "markdown", "export format (markdown|plain)")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command, arg string) error {
	if opts.As != "markdown" && opts.As != "plain" {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid export format %q: must be markdown or plain", opts.As))
	}
	d, err := parseDescriptor(arg, "")
	if err != nil {
		return err
	}

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	return withEditor(opts.RootOptions, func(ctx context.Context, ed *bootstrap.Editor) error {
		if _, err := ed.Engine.OpenDocument(ctx, d); err != nil {
			return WrapExitError(ExitFailure, "failed to open document", err)
		}
		var content string
		if opts.As == "plain" {
			content, err = ed.Engine.ExportPlainText()
		} else {
			content, err = ed.Engine.ExportMarkdown()
		}
		if err != nil {
			return WrapExitError(ExitFailure, "failed to export document", err)
		}
		res := ExportResult{Key: d.Key(), As: opts.As, Content: content}
		return out.Success(res, func(w io.Writer) { fmt.Fprint(w, content) })
	})
}

// InfoResult is the file record of a document and, for networked
// documents, who can access it.
type InfoResult struct {
	Record      *metadata.FileRecord  `json:"record"`
	Permissions []metadata.Permission `json:"permissions,omitempty"`
	Warning     string                `json:"warning,omitempty"`
}

func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:           "info <local-id | owner/slug>",
		Short:         "Show the file record and permissions of a document",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDescriptor(args[0], "")
			if err != nil {
				return err
			}
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withEditor(rootOpts, func(ctx context.Context, ed *bootstrap.Editor) error {
				if _, err := ed.Engine.OpenDocument(ctx, d); err != nil {
					return WrapExitError(ExitFailure, "failed to open document", err)
				}
				rec, perms, err := ed.Engine.Metadata(ctx, refresh)
				if rec == nil {
					return WrapExitError(ExitFailure, "failed to read metadata", err)
				}
				res := InfoResult{Record: rec, Permissions: perms}
				if err != nil {
					// The record is local; only the permission lookup failed.
					res.Warning = err.Error()
				}
				return out.Success(res, func(w io.Writer) { printInfo(w, res) })
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the permission cache")

	return cmd
}

func printInfo(w io.Writer, res InfoResult) {
	r := res.Record
	fmt.Fprintf(w, "Key:      %s\n", r.Key)
	fmt.Fprintf(w, "Name:     %s\n", r.Name)
	fmt.Fprintf(w, "Kind:     %s\n", r.Kind)
	if r.Owner != "" {
		fmt.Fprintf(w, "Owner:    %s\n", r.Owner)
	}
	fmt.Fprintf(w, "Modified: %s\n", r.ModifiedAt.Format(time.RFC3339))
	if r.Kind == metadata.KindLocal {
		fmt.Fprintf(w, "Size:     %d bytes\n", r.Size)
	}
	for _, p := range res.Permissions {
		fmt.Fprintf(w, "  %-24s %-12s granted by %s\n", p.Account, p.Level, p.GrantedBy)
	}
	if res.Warning != "" {
		fmt.Fprintf(w, "%s %s\n", color.RedString("Warning:"), res.Warning)
	}
}

func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rm <local-id | owner/slug>",
		Short:         "Drop a document from the local cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDescriptor(args[0], "")
			if err != nil {
				return err
			}
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withEditor(rootOpts, func(ctx context.Context, ed *bootstrap.Editor) error {
				if err := ed.Engine.Forget(ctx, d.Identity); err != nil {
					return WrapExitError(ExitFailure, "failed to remove document", err)
				}
				key := d.Identity.Key()
				return out.Success(map[string]string{"key": key}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", color.GreenString("Removed"), key)
				})
			})
		},
	}
}
