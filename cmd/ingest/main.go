// Package main provides the ingestion CLI: it loads documents from a
// directory or a GitHub repository into the configured vector index.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/ragsworth/internal/app"
	"github.com/bull/ragsworth/internal/config"
	"github.com/bull/ragsworth/internal/pipeline"
	"github.com/bull/ragsworth/internal/source"
)

type flags struct {
	configPath string
	persist    string
	upsert     bool
	extensions []string

	owner string
	repo  string
	ref   string
	path  string
}

func newRootCmd(out io.Writer) *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "ragsworth-ingest",
		Short: "Load documents into the retrieval index",
		Long: `Chunks, embeds and indexes documents using the same configuration as the server.

Configuration comes from --config (YAML, TOML or JSON) and RAG_* environment
variables, e.g. RAG_INDEX_KIND, RAG_EMBEDDING_PROVIDER, RAG_INDEX_PATH.
OPENAI_API_KEY and GITHUB_TOKEN are honoured when the RAG_* keys are unset.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "configuration file")
	root.PersistentFlags().StringVar(&f.persist, "persist", "", "write a flat index snapshot to this directory (defaults to index.path)")
	root.PersistentFlags().BoolVar(&f.upsert, "upsert", false, "replace chunks that are already indexed")

	dirCmd := &cobra.Command{
		Use:   "dir <path>",
		Short: "Ingest every text and markdown file under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			exts := f.extensions
			if len(exts) == 0 {
				exts = cfg.GitHub.Extensions
			}
			return run(cmd.Context(), cfg, f, cmd.OutOrStdout(), func(a *app.App) (source.Source, error) {
				return source.NewDir(args[0], exts, a.Logger), nil
			})
		},
	}
	dirCmd.Flags().StringSliceVar(&f.extensions, "ext", nil, "file extensions to read (default .md,.txt)")

	githubCmd := &cobra.Command{
		Use:   "github",
		Short: "Ingest documents from a GitHub repository directory",
		Long: `Reads a repository subtree through the GitHub contents API.

Flags override the github.* configuration keys. Set GITHUB_TOKEN for higher
rate limits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			gc := cfg.GitHub
			override(&gc.Owner, f.owner)
			override(&gc.Repo, f.repo)
			override(&gc.Ref, f.ref)
			override(&gc.Path, f.path)

			return run(cmd.Context(), cfg, f, cmd.OutOrStdout(), func(a *app.App) (source.Source, error) {
				client, err := source.NewGitHubClient(gc.Token)
				if err != nil {
					return nil, err
				}
				return source.NewGitHub(client, source.GitHubConfig{
					Owner:      gc.Owner,
					Repo:       gc.Repo,
					Ref:        gc.Ref,
					Path:       gc.Path,
					Extensions: gc.Extensions,
				}, a.Logger)
			})
		},
	}
	githubCmd.Flags().StringVar(&f.owner, "owner", "", "repository owner")
	githubCmd.Flags().StringVar(&f.repo, "repo", "", "repository name")
	githubCmd.Flags().StringVar(&f.ref, "ref", "", "branch, tag or commit")
	githubCmd.Flags().StringVar(&f.path, "path", "", "directory inside the repository")

	root.AddCommand(dirCmd, githubCmd)
	return root
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f *flags, out io.Writer,
	open func(*app.App) (source.Source, error)) error {
	start := time.Now()
	logger := app.NewLogger(cfg.Log, os.Stderr)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer a.Close()

	src, err := open(a)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Loading documents...")
	docs, err := src.Documents(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	fmt.Fprintf(out, "Found %d documents\n", len(docs))

	var opts []pipeline.IngestOption
	if f.upsert {
		opts = append(opts, pipeline.Upsert())
	}
	report, err := a.Manager.IngestAll(ctx, docs, opts...)
	printReport(out, report)
	if err != nil {
		return fmt.Errorf("ingestion interrupted: %w", err)
	}

	if f.persist != "" || (cfg.Index.Kind == "flat" && cfg.Index.Path != "") {
		if err := a.Persist(ctx, f.persist); err != nil {
			return err
		}
		fmt.Fprintln(out, "Index snapshot written")
	} else if cfg.Index.Kind == "flat" {
		fmt.Fprintln(out, "Warning: the flat index lives in memory; pass --persist to keep it")
	}

	fmt.Fprintf(out, "\nTotal time: %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func printReport(out io.Writer, r *pipeline.IngestReport) {
	if r == nil {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Ingestion complete!")
	fmt.Fprintf(out, "  Documents: %d/%d\n", r.Succeeded, r.Total)
	fmt.Fprintf(out, "  Failed: %d\n", len(r.Failed))
	fmt.Fprintf(out, "  Chunks: %d\n", r.Chunks)
	fmt.Fprintf(out, "  Duration: %s\n", r.Duration.Round(time.Millisecond))

	if len(r.Failed) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Failed documents:")
		for _, failed := range r.Failed {
			fmt.Fprintf(out, "  - %s: %v\n", failed.Source, failed.Err)
		}
	}
}
