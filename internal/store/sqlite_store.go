package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore 以單一 sqlite 檔案實作 Store
//
// run_state 只有一列（id=1），內容為 RunState 的 JSON；
// results 以自動遞增的 seq 保留寫入順序。
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore 開啟資料庫並建立 schema
//
// _txlock=immediate 讓讀-改-寫交易一開始就取得寫鎖，
// busy_timeout 讓其他行程等待而不是立即失敗。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		subject TEXT NOT NULL,
		location TEXT NOT NULL,
		status TEXT NOT NULL,
		featured_seller TEXT NOT NULL DEFAULT '',
		is_own_seller INTEGER NOT NULL DEFAULT 0,
		quantity_available TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ============================================================================
// RunState
// ============================================================================

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRunState(ctx context.Context, q querier) (*types.RunState, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM run_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}

	var rs *types.RunState
	if err := json.Unmarshal([]byte(data), &rs); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	if rs == nil {
		return nil, ErrNoRun
	}
	return rs, nil
}

func (s *SQLiteStore) LoadRunState(ctx context.Context) (*types.RunState, error) {
	return loadRunState(ctx, s.db)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveRunState(ctx context.Context, e execer, rs *types.RunState) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO run_state (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveRunState(ctx context.Context, rs *types.RunState) error {
	return saveRunState(ctx, s.db, rs)
}

func (s *SQLiteStore) UpdateRunState(ctx context.Context, fn MutateFunc) (*types.RunState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rs, err := loadRunState(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := fn(rs); err != nil {
		return nil, err
	}
	if err := saveRunState(ctx, tx, rs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run state: %w", err)
	}
	return rs.Clone(), nil
}

// ============================================================================
// Results
// ============================================================================

func (s *SQLiteStore) AppendResult(ctx context.Context, r types.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (run_id, ts, subject, location, status, featured_seller,
		                      is_own_seller, quantity_available, retry_count, notes, url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Timestamp.UTC().Format(time.RFC3339Nano), string(r.Subject), string(r.Location),
		string(r.Status), r.FeaturedSeller, r.IsOwnSeller, r.QuantityAvailable, r.RetryCount, r.Notes, r.URL,
	)
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Results(ctx context.Context) ([]types.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, ts, subject, location, status, featured_seller,
		        is_own_seller, quantity_available, retry_count, notes, url
		 FROM results ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	defer rows.Close()

	results := make([]types.Result, 0)
	for rows.Next() {
		var r types.Result
		var ts, subject, loc, status string
		if err := rows.Scan(&r.RunID, &ts, &subject, &loc, &status, &r.FeaturedSeller,
			&r.IsOwnSeller, &r.QuantityAvailable, &r.RetryCount, &r.Notes, &r.URL); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse result timestamp %q: %w", ts, err)
		}
		r.Subject = types.SubjectID(subject)
		r.Location = types.LocationCode(loc)
		r.Status = types.StatusCode(status)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) ClearResults(ctx context.Context, guard GuardFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if guard != nil {
		rs, err := loadRunState(ctx, tx)
		if err != nil && !errors.Is(err, ErrNoRun) {
			return err
		}
		if err := guard(rs); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM results`)
	if err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear results: %w", err)
	}
	n, _ := res.RowsAffected()
	logger().Info("Results cleared", "rows", n)
	return nil
}
