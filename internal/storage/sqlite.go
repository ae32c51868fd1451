package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/winspan/kooixhost/internal/hosts"
	"github.com/winspan/kooixhost/pkg/utils"
)

// Run 一次更新的记录
type Run struct {
	ID         string               `json:"id"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Success    bool                 `json:"success"`
	Error      string               `json:"error,omitempty"`
	Bytes      int                  `json:"bytes"`
	BackupPath string               `json:"backup_path,omitempty"`
	Sources    []hosts.SourceResult `json:"sources"`
}

// ConnectivityRecord 一次连通性探测的记录
type ConnectivityRecord struct {
	hosts.ConnectivityTestResult
	TestedAt time.Time `json:"tested_at"`
}

// History SQLite 历史记录存储
type History struct {
	db *sql.DB
}

// NewHistory 打开（或创建）数据库文件
func NewHistory(dbPath string) (*History, error) {
	if dbPath != ":memory:" {
		if err := utils.EnsureDir(filepath.Dir(dbPath)); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// SQLite 只支持单个写连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}

	return &History{db: db}, nil
}

// createTables 创建数据库表
func createTables(db *sql.DB) error {
	tables := []string{
		// 更新记录表
		`CREATE TABLE IF NOT EXISTS update_runs (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT,
			bytes INTEGER DEFAULT 0,
			backup_path TEXT
		)`,

		// 每次更新中各订阅源的结果
		`CREATE TABLE IF NOT EXISTS source_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			ok BOOLEAN NOT NULL,
			error TEXT,
			bytes INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES update_runs(id) ON DELETE CASCADE
		)`,

		// 连通性探测表
		`CREATE TABLE IF NOT EXISTS connectivity_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			status_code INTEGER,
			response_time_ms INTEGER,
			error TEXT,
			tested_at INTEGER NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("创建表失败: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON update_runs(started_at)",
		"CREATE INDEX IF NOT EXISTS idx_source_results_run ON source_results(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_connectivity_domain ON connectivity_results(domain)",
		"CREATE INDEX IF NOT EXISTS idx_connectivity_tested ON connectivity_results(tested_at)",
	}

	for _, index := range indexes {
		if _, err := db.Exec(index); err != nil {
			return fmt.Errorf("创建索引失败: %w", err)
		}
	}

	return nil
}

// SaveRun 保存一次更新记录
func (h *History) SaveRun(ctx context.Context, run Run) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO update_runs (id, started_at, finished_at, success, error, bytes, backup_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(), run.Success,
		nullString(run.Error), run.Bytes, nullString(run.BackupPath))
	if err != nil {
		return fmt.Errorf("保存更新记录失败: %w", err)
	}

	for i, s := range run.Sources {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO source_results (run_id, position, name, url, ok, error, bytes, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, s.Name, s.URL, s.OK, nullString(s.Error), s.Bytes, s.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("保存订阅源结果失败: %w", err)
		}
	}

	return tx.Commit()
}

// ListRuns 返回最近的 limit 条更新记录，最新的在前
func (h *History) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, success, error, bytes, backup_path
		 FROM update_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询更新记录失败: %w", err)
	}

	var runs []Run
	for rows.Next() {
		var (
			run              Run
			started, done    int64
			errMsg, backupAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &started, &done, &run.Success, &errMsg, &run.Bytes, &backupAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("读取更新记录失败: %w", err)
		}
		run.StartedAt = time.UnixMilli(started)
		run.FinishedAt = time.UnixMilli(done)
		run.Error = errMsg.String
		run.BackupPath = backupAt.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		sources, err := h.sourceResults(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Sources = sources
	}
	return runs, nil
}

func (h *History) sourceResults(ctx context.Context, runID string) ([]hosts.SourceResult, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT name, url, ok, error, bytes, duration_ms
		 FROM source_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("查询订阅源结果失败: %w", err)
	}
	defer rows.Close()

	results := []hosts.SourceResult{}
	for rows.Next() {
		var (
			s      hosts.SourceResult
			errMsg sql.NullString
			ms     int64
		)
		if err := rows.Scan(&s.Name, &s.URL, &s.OK, &errMsg, &s.Bytes, &ms); err != nil {
			return nil, fmt.Errorf("读取订阅源结果失败: %w", err)
		}
		s.Error = errMsg.String
		s.Duration = time.Duration(ms) * time.Millisecond
		results = append(results, s)
	}
	return results, rows.Err()
}

// SaveConnectivity 保存一批探测结果
func (h *History) SaveConnectivity(ctx context.Context, results []hosts.ConnectivityTestResult, at time.Time) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO connectivity_results (domain, success, status_code, response_time_ms, error, tested_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		var code, ms sql.NullInt64
		var errMsg sql.NullString
		if r.StatusCode != nil {
			code = sql.NullInt64{Int64: int64(*r.StatusCode), Valid: true}
		}
		if r.ResponseTimeMS != nil {
			ms = sql.NullInt64{Int64: *r.ResponseTimeMS, Valid: true}
		}
		if r.Error != nil {
			errMsg = sql.NullString{String: *r.Error, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.Domain, r.Success, code, ms, errMsg, at.UnixMilli()); err != nil {
			return fmt.Errorf("保存探测结果失败: %w", err)
		}
	}
	return tx.Commit()
}

// ListConnectivity 返回最近的 limit 条探测记录，最新的在前
func (h *History) ListConnectivity(ctx context.Context, limit int) ([]ConnectivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT domain, success, status_code, response_time_ms, error, tested_at
		 FROM connectivity_results ORDER BY tested_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询探测记录失败: %w", err)
	}
	defer rows.Close()

	var records []ConnectivityRecord
	for rows.Next() {
		var (
			rec    ConnectivityRecord
			code   sql.NullInt64
			ms     sql.NullInt64
			errMsg sql.NullString
			at     int64
		)
		if err := rows.Scan(&rec.Domain, &rec.Success, &code, &ms, &errMsg, &at); err != nil {
			return nil, fmt.Errorf("读取探测记录失败: %w", err)
		}
		if code.Valid {
			v := int(code.Int64)
			rec.StatusCode = &v
		}
		if ms.Valid {
			v := ms.Int64
			rec.ResponseTimeMS = &v
		}
		if errMsg.Valid {
			v := errMsg.String
			rec.Error = &v
		}
		rec.TestedAt = time.UnixMilli(at)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close 关闭数据库连接
func (h *History) Close() error {
	return h.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
