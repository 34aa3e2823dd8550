package resolve

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/grantsync/grantsync/storage"
)

func NewResolveCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [flags]",
		Short: "Resolve extracted grants into effective permissions",
	}

	var (
		storageFlags storage.Flags
		dryRun       bool
	)

	flags := cmd.Flags()
	storageFlags.Register(flags)
	flags.BoolVar(&dryRun, "dry-run", false, "resolve and report but do not write to storage")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		store, err := storageFlags.Open()
		if err != nil {
			return err
		}
		defer store.Close()

		_, err = Run(cmd.Context(), store, log, dryRun)
		return err
	}

	return cmd
}
