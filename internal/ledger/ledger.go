package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/forPelevin/clipreel/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ledger records which sources earlier runs used and what every run did.
type Ledger struct {
	conn *sql.DB
	log  hclog.Logger
}

func Open(path string, log hclog.Logger) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	l := &Ledger{conn: conn, log: log}
	if err := l.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ledger migrations: %w", err)
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.conn.Close() }

func (l *Ledger) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if l.applied(name) {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := l.conn.Exec(string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := l.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		l.log.Debug("applied migration", "name", name)
	}
	return nil
}

func (l *Ledger) applied(name string) bool {
	var one int
	if err := l.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&one); err != nil {
		return false
	}
	err := l.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&one)
	return err == nil
}

// Processed returns the subset of ids some earlier run used in a rendered
// compilation.
func (l *Ledger) Processed(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = strings.TrimSpace(id)
	}
	q := "SELECT source_id FROM processed WHERE source_id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
	rows, err := l.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// RecordRun stores the run and its outcomes. When a compilation was written,
// every clip it used is marked processed.
func (l *Ledger) RecordRun(ctx context.Context, res types.PipelineResult, started, finished time.Time) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, state, seed, used_count, dropped_count, cancelled, compilation_path, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, string(res.State), res.Seed, res.UsedCount, res.DroppedCount, boolInt(res.Cancelled),
		res.CompilationPath, started.UTC().Format(time.RFC3339), finished.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM outcomes WHERE run_id = ?", res.RunID); err != nil {
		return fmt.Errorf("reset outcomes: %w", err)
	}
	for _, o := range res.Outcomes {
		_, err := tx.ExecContext(ctx, `INSERT INTO outcomes
			(run_id, idx, source_id, status, reason, detail, attempts, cached)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, o.Index, strings.TrimSpace(o.Source.ID), string(o.Status), string(o.Reason), o.Detail, o.Attempts, boolInt(o.Cached))
		if err != nil {
			return fmt.Errorf("insert outcome %d: %w", o.Index, err)
		}
	}

	marked := 0
	if res.CompilationPath != "" {
		for _, o := range res.Outcomes {
			if !o.OK() || o.Clip == nil {
				continue
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO processed (source_id, first_run, last_run) VALUES (?, ?, ?)
				ON CONFLICT(source_id) DO UPDATE SET
					last_run = excluded.last_run,
					times_used = times_used + 1,
					updated_at = datetime('now')`,
				strings.TrimSpace(o.Source.ID), res.RunID, res.RunID)
			if err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
			marked++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	l.log.Debug("run recorded", "run", res.RunID, "outcomes", len(res.Outcomes), "marked", marked)
	return nil
}

type RunSummary struct {
	RunID           string
	State           types.State
	Seed            int64
	UsedCount       int
	DroppedCount    int
	Cancelled       bool
	CompilationPath string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Runs returns the most recent runs first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.conn.QueryContext(ctx, `SELECT run_id, state, seed, used_count, dropped_count, cancelled,
		compilation_path, started_at, finished_at FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			state             string
			cancelled         int
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &state, &r.Seed, &r.UsedCount, &r.DroppedCount, &cancelled,
			&r.CompilationPath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.State = types.State(state)
		r.Cancelled = cancelled != 0
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
