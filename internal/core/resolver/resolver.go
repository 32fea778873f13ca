// Package resolver turns a deployment source (archive bytes, a repository
// URL, or a repository carrying a Dockerfile) into a directory on disk plus
// the environment variables embedded in it.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/core/envfile"
	"github.com/botfleet/botfleet/internal/core/ports"
)

var log = logrus.WithField("component", "resolver")

// Env file candidates, in recognition order. For repository sources the
// first non-empty read wins; for archives the secondary file overrides the
// primary within the artifact-embedded layer.
const (
	envPrimary   = ".env"
	envSecondary = "env.txt"
	envExample   = ".env.example"
)

// Result is a resolved artifact: a directory and the environment found in it.
type Result struct {
	Dir string
	Env map[string]string
}

// Resolver materializes bot artifacts under BaseDir, one directory per bot
// name, with replace semantics: the prior directory is removed in full
// before new contents are written.
type Resolver struct {
	baseDir string
	cloner  ports.RepoCloner
}

func New(baseDir string, cloner ports.RepoCloner) *Resolver {
	return &Resolver{baseDir: baseDir, cloner: cloner}
}

// BotDir returns the artifact directory for a bot name.
func (r *Resolver) BotDir(botName string) string {
	return filepath.Join(r.baseDir, botName)
}

func (r *Resolver) freshDir(botName string) (string, error) {
	dir := r.BotDir(botName)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove previous artifact: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return dir, nil
}

// ResolveArchive extracts raw archive bytes (zip or gzipped tar) into the
// bot's directory. An archive whose entries all live under a single
// top-level directory is flattened one level.
func (r *Resolver) ResolveArchive(botName string, data []byte) (Result, error) {
	dir, err := r.freshDir(botName)
	if err != nil {
		return Result{}, err
	}
	if err := extract(data, dir); err != nil {
		return Result{}, fmt.Errorf("malformed archive: %w", err)
	}
	if err := flattenSingleRoot(dir); err != nil {
		return Result{}, fmt.Errorf("flatten archive root: %w", err)
	}
	env := r.scanArchiveEnv(dir)
	log.WithField("bot", botName).Infof("archive resolved into %s (%d env vars)", dir, len(env))
	return Result{Dir: dir, Env: env}, nil
}

// ResolveRepository clones repoURL into the bot's directory and scans its
// root for an environment file.
func (r *Resolver) ResolveRepository(ctx context.Context, botName, repoURL string) (Result, error) {
	dir, err := r.freshDir(botName)
	if err != nil {
		return Result{}, err
	}
	if err := r.cloner.Clone(ctx, repoURL, dir); err != nil {
		return Result{}, fmt.Errorf("clone %s: %w", repoURL, err)
	}
	env := r.scanRepoEnv(dir)
	log.WithField("bot", botName).Infof("repository resolved into %s (%d env vars)", dir, len(env))
	return Result{Dir: dir, Env: env}, nil
}

// ResolveContainer clones like ResolveRepository and additionally requires
// a Dockerfile at the repository root.
func (r *Resolver) ResolveContainer(ctx context.Context, botName, repoURL string) (Result, error) {
	res, err := r.ResolveRepository(ctx, botName, repoURL)
	if err != nil {
		return Result{}, err
	}
	dockerfile := filepath.Join(res.Dir, "Dockerfile")
	if _, err := os.Stat(dockerfile); err != nil {
		return Result{}, fmt.Errorf("container source requires a Dockerfile at the repository root: %w", err)
	}
	return res, nil
}

// scanArchiveEnv reads both candidate files; the secondary overrides the
// primary inside the artifact-embedded layer.
func (r *Resolver) scanArchiveEnv(dir string) map[string]string {
	primary := readEnvFile(filepath.Join(dir, envPrimary))
	secondary := readEnvFile(filepath.Join(dir, envSecondary))
	return envfile.Merge(primary, secondary)
}

// scanRepoEnv checks candidates in a fixed priority order; the first
// non-empty read wins.
func (r *Resolver) scanRepoEnv(dir string) map[string]string {
	for _, name := range []string{envPrimary, envSecondary, envExample} {
		if env := readEnvFile(filepath.Join(dir, name)); len(env) > 0 {
			return env
		}
	}
	return map[string]string{}
}

func readEnvFile(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}
	}
	return envfile.Parse(string(data))
}

// flattenSingleRoot hoists the contents of a lone top-level directory up
// one level, the usual shape of archives exported from git hosting.
func flattenSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	root := filepath.Join(dir, entries[0].Name())
	inner, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range inner {
		if err := os.Rename(filepath.Join(root, e.Name()), filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return os.Remove(root)
}
