package bitbucket

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/grantsync/grantsync/storage"
)

const envNamespace = "GRANTSYNC"

// Env carries the Bitbucket connection settings. Credentials come from
// the environment rather than flags so they stay out of shell history.
type Env struct {
	URL      string `envconfig:"BITBUCKET_URL" required:"true"`
	Token    string `envconfig:"BITBUCKET_TOKEN"`
	Username string `envconfig:"BITBUCKET_USERNAME"`
	Password string `envconfig:"BITBUCKET_PASSWORD"`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(envNamespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func NewExtractCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract [flags]",
		Short: "Extract repository grants and group memberships from Bitbucket",
	}

	var (
		storageFlags storage.Flags
		projects     []string
		repos        []string
		workers      int
		throttle     time.Duration
		insecure     bool
		dryRun       bool
	)

	flags := cmd.Flags()
	storageFlags.Register(flags)
	flags.StringArrayVar(&projects, "project", nil, "only extract the given project keys (repeatable)")
	flags.StringArrayVar(&repos, "repo", nil, "only extract the given repository slugs (repeatable)")
	flags.IntVar(&workers, "workers", 4, "number of repositories walked concurrently")
	flags.DurationVar(&throttle, "throttle", 0, "delay before each API request")
	flags.BoolVar(&insecure, "insecure-skip-verify", false, "skip TLS certificate verification")
	flags.BoolVar(&dryRun, "dry-run", false, "extract but do not write to storage")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := LoadEnv()
		if err != nil {
			return err
		}
		client, err := NewClient(Config{
			BaseURL:            env.URL,
			Token:              env.Token,
			Username:           env.Username,
			Password:           env.Password,
			InsecureSkipVerify: insecure,
			Throttle:           throttle,
			Logger:             log,
		})
		if err != nil {
			return err
		}

		extractor := NewExtractor(client, log,
			FilterProjects(projects...),
			FilterRepos(repos...),
			Workers(workers),
		)
		extraction, err := extractor.Extract(ctx)
		if err != nil {
			return err
		}
		log.Info("extraction complete",
			"direct_grants", len(extraction.Direct),
			"group_grants", len(extraction.Groups),
			"memberships", len(extraction.Memberships),
		)
		if dryRun {
			return nil
		}

		store, err := storageFlags.Open()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.WriteDirectGrants(ctx, extraction.Direct); err != nil {
			return fmt.Errorf("writing direct grants: %w", err)
		}
		if err := store.WriteGroupGrants(ctx, extraction.Groups); err != nil {
			return fmt.Errorf("writing group grants: %w", err)
		}
		if err := store.WriteMemberships(ctx, extraction.Memberships); err != nil {
			return fmt.Errorf("writing memberships: %w", err)
		}
		return nil
	}

	return cmd
}
