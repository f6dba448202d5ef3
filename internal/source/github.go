package source

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"

	"github.com/bull/ragsworth/internal/domain"
)

// NewGitHubClient creates a GitHub API client that waits out primary and
// secondary rate limits. An empty token gives an anonymous client, limited
// to 60 requests per hour.
func NewGitHubClient(token string) (*github.Client, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(nil)
	if err != nil {
		return nil, fmt.Errorf("create rate limit waiter: %w", err)
	}

	client := github.NewClient(rateLimiter)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return client, nil
}

// GitHubConfig selects the repository subtree to read.
type GitHubConfig struct {
	Owner      string
	Repo       string
	Ref        string // Branch, tag or commit; empty for the default branch
	Path       string // Directory inside the repository
	Extensions []string
}

// GitHub reads documents from a repository directory through the contents
// API.
type GitHub struct {
	client *github.Client
	cfg    GitHubConfig
	exts   map[string]bool
	md     *Markdown
	logger *slog.Logger
}

var _ Source = (*GitHub)(nil)

// NewGitHub creates a GitHub source.
func NewGitHub(client *github.Client, cfg GitHubConfig, logger *slog.Logger) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("%w: github owner and repo are required", domain.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		client: client,
		cfg:    cfg,
		exts:   extensionSet(cfg.Extensions),
		md:     NewMarkdown(),
		logger: logger,
	}, nil
}

// Documents implements Source. Each document records the commit it was
// read at.
func (g *GitHub) Documents(ctx context.Context) ([]domain.Document, error) {
	commit, err := g.latestCommitSHA(ctx)
	if err != nil {
		return nil, err
	}
	g.logger.Info("Reading repository", "owner", g.cfg.Owner, "repo", g.cfg.Repo, "path", g.cfg.Path, "commit", commit)

	paths, err := g.list(ctx, g.cfg.Path)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	docs := make([]domain.Document, 0, len(paths))
	for _, p := range paths {
		doc, err := g.fetch(ctx, p, commit, now)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	g.logger.Info("Found documents", "repo", g.cfg.Repo, "count", len(docs))
	return docs, nil
}

func (g *GitHub) contentOptions() *github.RepositoryContentGetOptions {
	if g.cfg.Ref == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: g.cfg.Ref}
}

// list walks dir recursively and returns the repository paths of the files
// with a configured extension.
func (g *GitHub) list(ctx context.Context, dir string) ([]string, error) {
	_, entries, _, err := g.client.Repositories.GetContents(ctx, g.cfg.Owner, g.cfg.Repo, dir, g.contentOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", domain.ErrUnavailable, dir, err)
	}

	var files []string
	for _, item := range entries {
		name := item.GetName()
		if name == "" {
			continue
		}
		full := path.Join(dir, name)

		switch item.GetType() {
		case "file":
			if _, ok := formatOf(name, g.exts); ok {
				files = append(files, full)
			}
		case "dir":
			sub, err := g.list(ctx, full)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}

func (g *GitHub) fetch(ctx context.Context, repoPath, commit string, now time.Time) (domain.Document, error) {
	file, _, _, err := g.client.Repositories.GetContents(ctx, g.cfg.Owner, g.cfg.Repo, repoPath, g.contentOptions())
	if err != nil {
		return domain.Document{}, fmt.Errorf("%w: fetch %s: %w", domain.ErrUnavailable, repoPath, err)
	}
	if file == nil {
		return domain.Document{}, fmt.Errorf("%w: %s is not a file", domain.ErrInvalidRequest, repoPath)
	}

	content, err := file.GetContent()
	if err != nil {
		return domain.Document{}, fmt.Errorf("decode %s: %w", repoPath, err)
	}

	ref := g.cfg.Ref
	if ref == "" {
		ref = commit
	}
	meta := map[string]string{
		"repository": g.cfg.Owner + "/" + g.cfg.Repo,
		"commit":     commit,
		"sha":        file.GetSHA(),
		"url":        fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", g.cfg.Owner, g.cfg.Repo, ref, repoPath),
	}

	format, _ := formatOf(repoPath, g.exts)
	src := fmt.Sprintf("github.com/%s/%s/%s", g.cfg.Owner, g.cfg.Repo, repoPath)
	return newDocument(g.md, src, repoPath, format, []byte(content), meta, now)
}

// latestCommitSHA returns the most recent commit touching the configured
// path.
func (g *GitHub) latestCommitSHA(ctx context.Context) (string, error) {
	opts := &github.CommitsListOptions{
		SHA:         g.cfg.Ref,
		Path:        g.cfg.Path,
		ListOptions: github.ListOptions{PerPage: 1},
	}
	commits, _, err := g.client.Repositories.ListCommits(ctx, g.cfg.Owner, g.cfg.Repo, opts)
	if err != nil {
		return "", fmt.Errorf("%w: get latest commit: %w", domain.ErrUnavailable, err)
	}
	if len(commits) == 0 || commits[0].GetSHA() == "" {
		return "", fmt.Errorf("%w: no commits found for path %s", domain.ErrNotFound, g.cfg.Path)
	}
	return commits[0].GetSHA(), nil
}
