package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/mindtriage/internal/adapters/repository"
	service "github.com/okian/mindtriage/internal/app"
	"github.com/okian/mindtriage/internal/config"
	"github.com/okian/mindtriage/internal/demo"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/internal/domain/triage"
	"github.com/okian/mindtriage/internal/export"
	"github.com/okian/mindtriage/pkg/logger"
)

const outFilePermission = 0o600

func newExportCmd(flags *rootFlags) *cobra.Command {
	var format, out, since string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an anonymized export of the configured store",
		Long: `Writes one record per stored entry. Users are replaced by a salted
pseudonym (export.salt) and free-text answers are left out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := flags.setup(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts := export.Options{Format: export.Format(format), Salt: cfg.Export.Salt}
			if since != "" {
				d, err := model.ParseDate(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				opts.Since = d
			}

			engine, err := triage.New(cfg.Engine)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			opts.Catalog = engine.Catalog()

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outFilePermission)
				if err != nil {
					return fmt.Errorf("open output: %w", err)
				}
				defer f.Close()
				w = f
			}

			return withStore(ctx, cfg, func(store repository.Store) error {
				stats, err := export.Export(ctx, store, w, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries of %d users\n", stats.Records, stats.Users)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(export.FormatJSON), "json or csv")
	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&since, "since", "", "only entries dated on or after YYYY-MM-DD")
	return cmd
}

func newVerifyLogCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-log",
		Short: "Verify the crisis event hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := flags.setup(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return withStore(ctx, cfg, func(store repository.Store) error {
				n, err := service.VerifyStore(ctx, store)
				if err != nil {
					return fmt.Errorf("crisis log invalid after %d events: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "crisis log ok: %d events\n", n)
				return nil
			})
		},
	}
}

func newQuestionsCmd(flags *rootFlags) *cobra.Command {
	var user, date string
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Print a user's daily check-in questions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := flags.setup(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			d := model.DateOf(time.Now().UTC())
			if date != "" {
				if d, err = model.ParseDate(date); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}
			engine, err := triage.New(cfg.Engine)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			printQuestions(cmd.OutOrStdout(), user, d, engine.Catalog().Daily(user, d))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&date, "date", "", "date as YYYY-MM-DD (default today, UTC)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printQuestions(w io.Writer, user string, date model.Date, qs []catalog.Question) {
	fmt.Fprintf(w, "Daily check-in for %s on %s\n\n", user, date)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tROLE\tKIND\tPROMPT")
	for _, q := range qs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", q.Key, q.Role, q.Kind, q.Prompt)
	}
	_ = tw.Flush()
}

func newDemoCmd() *cobra.Command {
	cfg := demo.NewConfig()
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Submit synthetic histories to a running dev-mode server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(logger.WithOutput(cmd.ErrOrStderr())); err != nil {
				return err
			}
			_, err := demo.Run(cmd.Context(), cfg, cmd.OutOrStdout())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "service base URL")
	f.IntVar(&cfg.Users, "users", cfg.Users, "number of synthetic users")
	f.IntVar(&cfg.Days, "days", cfg.Days, "days of history per user")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "users submitted concurrently")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP request timeout")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "answer generator seed")
	f.Float64Var(&cfg.ShiftAt, "shift-at", cfg.ShiftAt, "fraction of days before answers worsen")
	f.IntVar(&cfg.CrisisEvery, "crisis-every", cfg.CrisisEvery, "every n-th user writes an alarming journal (0 disables)")
	f.BoolVar(&cfg.Verbose, "verbose", false, "log each user's final baseline")
	return cmd
}

// withStore opens the configured store for one command.
func withStore(ctx context.Context, cfg *config.Config, fn func(repository.Store) error) error {
	store, err := service.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Get().Warn(ctx, "closing store", logger.Error(err))
		}
	}()
	return fn(store)
}
