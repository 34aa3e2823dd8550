package github

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/grantsync/grantsync"
	"github.com/grantsync/grantsync/storage"
)

const envNamespace = "GRANTSYNC"

// Env carries the GitHub connection settings. The token comes from the
// environment rather than a flag so it stays out of shell history.
type Env struct {
	Token string `envconfig:"GITHUB_TOKEN" required:"true"`
	URL   string `envconfig:"GITHUB_URL"`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(envNamespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func NewApplyCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply [flags]",
		Short: "Apply resolved permissions to GitHub repositories",
	}

	var (
		storageFlags storage.Flags
		org          string
		mappingPath  string
		defaultLogin string
		dryRun       bool
	)

	flags := cmd.Flags()
	storageFlags.Register(flags)
	flags.StringVar(&org, "org", "", "GitHub organization owning the target repositories")
	flags.StringVar(&mappingPath, "mapping", "", "CSV file mapping emails to GitHub logins")
	flags.StringVar(&defaultLogin, "default-missing", "", "login granted the permissions of unmapped emails")
	flags.BoolVar(&dryRun, "dry-run", false, "log grants without writing to GitHub")
	cobra.CheckErr(cmd.MarkFlagRequired("org"))

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := LoadEnv()
		if err != nil {
			return err
		}
		client, err := NewClient(Config{
			BaseURL: env.URL,
			Token:   env.Token,
			Logger:  log,
		})
		if err != nil {
			return err
		}

		mapping := Mapping{}
		if mappingPath != "" {
			if mapping, err = LoadMapping(mappingPath); err != nil {
				return err
			}
			log.Info("loaded login mapping", "entries", len(mapping))
		}

		store, err := storageFlags.Open()
		if err != nil {
			return err
		}
		defer store.Close()
		effective, err := store.Effective(ctx)
		if err != nil {
			if errors.Is(err, grantsync.ErrNotFound) {
				return fmt.Errorf("reading effective permissions (run resolve first): %w", err)
			}
			return fmt.Errorf("reading effective permissions: %w", err)
		}

		applier, err := NewApplier(client, ApplierConfig{
			Org:          org,
			Mapping:      mapping,
			DefaultLogin: defaultLogin,
			DryRun:       dryRun,
			Logger:       log,
		})
		if err != nil {
			return err
		}
		report, err := applier.Apply(ctx, effective)
		if err != nil {
			return err
		}
		log.Info("apply complete",
			"granted", report.Granted,
			"skipped", report.Skipped,
			"unmapped", report.Unmapped,
			"failed", report.Failed,
		)
		if report.Failed > 0 {
			return fmt.Errorf("%d grants failed", report.Failed)
		}
		return nil
	}

	return cmd
}
