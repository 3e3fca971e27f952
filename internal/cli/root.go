package cli

import (
	"fmt"

	"collab-editor-be/internal/bootstrap"
	"collab-editor-be/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// NewEditor builds the engine a command runs against. Each command owns
	// the editor it gets and closes it before returning.
	NewEditor func() (*bootstrap.Editor, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the editor CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{
		NewEditor: func() (*bootstrap.Editor, error) {
			return bootstrap.NewEditor(config.Load())
		},
	}

	cmd := &cobra.Command{
		Use:   "editor",
		Short: "Offline-first collaborative document editor",
		Long:  "Create, edit and export documents kept in the local cache and synced with the collaboration server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&color.NoColor, "no-color", color.NoColor, "disable colored output")

	cmd.AddCommand(NewNewCommand(opts))
	cmd.AddCommand(NewOpenCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
