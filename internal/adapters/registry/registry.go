// Package registry persists bot records in SQLite.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/botfleet/botfleet/internal/core/domain"
)

// SQLite implements ports.Registry on a single-connection SQLite database.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite behaves best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &SQLite{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLite) Close() error {
	return r.db.Close()
}

func (r *SQLite) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS bots (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  language TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  repo_url TEXT NOT NULL DEFAULT '',
  build_command TEXT NOT NULL DEFAULT '',
  run_command TEXT NOT NULL DEFAULT '',
  auto_restart INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'stopped',
  artifact_path TEXT NOT NULL DEFAULT '',
  env_text TEXT NOT NULL DEFAULT '',
  port INTEGER NOT NULL DEFAULT 0,
  pid INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const botColumns = `id,name,language,source,repo_url,build_command,run_command,auto_restart,status,artifact_path,env_text,port,pid,created_at,updated_at`

func (r *SQLite) Create(ctx context.Context, b *domain.Bot) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO bots (`+botColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, b.ID, b.Name, b.Language, string(b.Source), b.RepoURL, b.BuildCommand, b.RunCommand,
		boolToInt(b.AutoRestart), string(b.Status), b.ArtifactPath, b.EnvText, b.Port, b.PID,
		b.CreatedAt.Format(time.RFC3339Nano), b.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrNameTaken
		}
		return fmt.Errorf("insert bot: %w", err)
	}
	return nil
}

func (r *SQLite) Get(ctx context.Context, id string) (*domain.Bot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id=?`, id)
	return scanBot(row)
}

func (r *SQLite) GetByName(ctx context.Context, name string) (*domain.Bot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE name=?`, name)
	return scanBot(row)
}

func (r *SQLite) List(ctx context.Context) ([]domain.Bot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Update applies a partial patch; nil fields stay untouched.
func (r *SQLite) Update(ctx context.Context, id string, patch domain.BotUpdate) error {
	sets := []string{"updated_at=?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}

	add := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ArtifactPath != nil {
		add("artifact_path", *patch.ArtifactPath)
	}
	if patch.EnvText != nil {
		add("env_text", *patch.EnvText)
	}
	if patch.PID != nil {
		add("pid", *patch.PID)
	}
	if patch.RunCommand != nil {
		add("run_command", *patch.RunCommand)
	}
	if patch.BuildCommand != nil {
		add("build_command", *patch.BuildCommand)
	}
	if patch.AutoRestart != nil {
		add("auto_restart", boolToInt(*patch.AutoRestart))
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, `UPDATE bots SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SQLite) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bots WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*domain.Bot, error) {
	var b domain.Bot
	var source, status, createdAt, updatedAt string
	var autoRestart int
	err := row.Scan(&b.ID, &b.Name, &b.Language, &source, &b.RepoURL, &b.BuildCommand,
		&b.RunCommand, &autoRestart, &status, &b.ArtifactPath, &b.EnvText, &b.Port, &b.PID,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	b.Source = domain.DeploySource(source)
	b.Status = domain.BotStatus(status)
	b.AutoRestart = autoRestart != 0
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &b, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
