package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
)

// Store persists one row per extraction job and is the single source of
// truth for job status and partial results. All writes are transactional and
// stamp updated_at.
type Store struct {
	db *sql.DB
}

// sqlite is fickle about raced opens of a newly created database; serialise
// sql.Open calls so one completes before the next starts.
var openMu sync.Mutex

const schemaSQL = `
CREATE TABLE IF NOT EXISTS extraction_progress (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	source             TEXT    NOT NULL,
	dataset            TEXT    NOT NULL,
	status             TEXT    NOT NULL,
	files              TEXT    NOT NULL,
	schema             TEXT    NOT NULL,
	llm_config         TEXT    NOT NULL,
	total_files        INTEGER NOT NULL DEFAULT 0,
	processed_files    INTEGER NOT NULL DEFAULT 0,
	current_file_index INTEGER NOT NULL DEFAULT 0,
	current_file       TEXT    NOT NULL DEFAULT '',
	total_chunks       INTEGER NOT NULL DEFAULT 0,
	current_chunk      INTEGER NOT NULL DEFAULT 0,
	file_progress      REAL    NOT NULL DEFAULT 0,
	merged_data        TEXT    NOT NULL DEFAULT '{}',
	merge_reasoning    TEXT    NOT NULL DEFAULT '[]',
	message            TEXT    NOT NULL DEFAULT '',
	last_error         TEXT    NOT NULL DEFAULT '',
	start_time         INTEGER NOT NULL,
	end_time           INTEGER,
	duration           REAL    NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_progress_key ON extraction_progress(source, dataset, id);
CREATE INDEX IF NOT EXISTS idx_progress_status ON extraction_progress(status);
`

// Open opens (creating if needed) the progress database at path.
// Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	openMu.Lock()
	db, err := sql.Open("sqlite3", dsn)
	if err == nil {
		err = db.Ping()
	}
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open progress db %q: %w", path, err)
	}

	// One writer at a time keeps row updates serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate progress db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const jobColumns = `id, source, dataset, status, files, schema, llm_config,
	total_files, processed_files, current_file_index, current_file,
	total_chunks, current_chunk, file_progress, merged_data, merge_reasoning,
	message, last_error, start_time, end_time, duration, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j          Job
		files      string
		schemaJSON string
		llmJSON    string
		merged     string
		reasoning  string
		start      int64
		end        sql.NullInt64
		updated    int64
	)
	err := r.Scan(&j.ID, &j.Source, &j.Dataset, &j.Status, &files, &schemaJSON,
		&llmJSON, &j.TotalFiles, &j.ProcessedFiles, &j.CurrentFileIndex,
		&j.CurrentFile, &j.TotalChunks, &j.CurrentChunk, &j.FileProgress,
		&merged, &reasoning, &j.Message, &j.LastError, &start, &end,
		&j.Duration, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &j.Files); err != nil {
		return nil, fmt.Errorf("decode files for job %d: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(schemaJSON), &j.Schema); err != nil {
		return nil, fmt.Errorf("decode schema for job %d: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(llmJSON), &j.LLM); err != nil {
		return nil, fmt.Errorf("decode llm config for job %d: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(merged), &j.MergedData); err != nil {
		return nil, fmt.Errorf("decode merged data for job %d: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(reasoning), &j.MergeReasoning); err != nil {
		return nil, fmt.Errorf("decode reasoning for job %d: %w", j.ID, err)
	}
	j.StartTime = time.Unix(start, 0).UTC()
	if end.Valid {
		t := time.Unix(end.Int64, 0).UTC()
		j.EndTime = &t
	}
	j.UpdatedAt = time.Unix(updated, 0).UTC()
	return &j, nil
}

// CreateJob inserts a scheduled row for the given job, failing with
// ErrAlreadyActive if a non-terminal row exists for (source, dataset).
func (s *Store) CreateJob(ctx context.Context, spec JobSpec) (int64, error) {
	filesJSON, err := json.Marshal(nonNilSlice(spec.Files))
	if err != nil {
		return 0, fmt.Errorf("encode files: %w", err)
	}
	schemaJSON, err := json.Marshal(nonNilMap(spec.Schema))
	if err != nil {
		return 0, fmt.Errorf("encode schema: %w", err)
	}
	llmJSON, err := json.Marshal(spec.LLM)
	if err != nil {
		return 0, fmt.Errorf("encode llm config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM extraction_progress
		 WHERE source = ? AND dataset = ? AND status IN (?, ?, ?)
		 ORDER BY id DESC LIMIT 1`,
		spec.Source, spec.Dataset,
		StatusScheduled, StatusInProgress, StatusPaused).Scan(&existing)
	if err == nil {
		return existing, ErrAlreadyActive
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("check active: %w", err)
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO extraction_progress
		 (source, dataset, status, files, schema, llm_config, total_files,
		  message, start_time, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.Source, spec.Dataset, StatusScheduled, string(filesJSON),
		string(schemaJSON), string(llmJSON), len(spec.Files), spec.Message,
		now, now)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetLatest returns the highest-id row for (source, dataset), any status.
func (s *Store) GetLatest(ctx context.Context, source, dataset string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_progress
		 WHERE source = ? AND dataset = ? ORDER BY id DESC LIMIT 1`,
		source, dataset)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest: %w", err)
	}
	return j, nil
}

// GetByID returns the row with the given id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_progress WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// UpdateProgress applies a partial update to the row with the given id, but
// only while its status is scheduled, in_progress or paused. Reading status,
// applying the patch and committing are one transaction. A row in any other
// status is left untouched. Targeting the row by id keeps a finishing engine
// from ever touching a successor job for the same (source, dataset).
func (s *Store) UpdateProgress(ctx context.Context, id int64, p Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM extraction_progress WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	switch status {
	case StatusScheduled, StatusInProgress, StatusPaused:
	default:
		return nil
	}

	sets, args := patchClauses(p)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), id)
	_, err = tx.ExecContext(ctx,
		`UPDATE extraction_progress SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return tx.Commit()
}

func patchClauses(p Patch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.ProcessedFiles != nil {
		add("processed_files", *p.ProcessedFiles)
	}
	if p.CurrentFileIndex != nil {
		add("current_file_index", *p.CurrentFileIndex)
	}
	if p.CurrentFile != nil {
		add("current_file", *p.CurrentFile)
	}
	if p.TotalChunks != nil {
		add("total_chunks", *p.TotalChunks)
	}
	if p.CurrentChunk != nil {
		add("current_chunk", *p.CurrentChunk)
	}
	if p.FileProgress != nil {
		add("file_progress", *p.FileProgress)
	}
	if p.Message != nil {
		add("message", *p.Message)
	}
	if p.LastError != nil {
		add("last_error", *p.LastError)
	}
	return sets, args
}

// AppendReasoning atomically replaces merged_data and appends one entry to
// the reasoning history of the row with the given id. The pairing of data
// and reasoning in a single transaction is what makes the history a faithful
// audit of every merged_data version.
func (s *Store) AppendReasoning(ctx context.Context, id int64, mergedData map[string]any, entry ReasoningEntry) error {
	mergedJSON, err := json.Marshal(nonNilMap(mergedData))
	if err != nil {
		return fmt.Errorf("encode merged data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status Status
	var history string
	err = tx.QueryRowContext(ctx,
		`SELECT status, merge_reasoning FROM extraction_progress WHERE id = ?`,
		id).Scan(&status, &history)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read reasoning: %w", err)
	}
	switch status {
	case StatusScheduled, StatusInProgress, StatusPaused:
	default:
		return nil
	}

	var entries []ReasoningEntry
	if err := json.Unmarshal([]byte(history), &entries); err != nil {
		return fmt.Errorf("decode reasoning history: %w", err)
	}
	entries = append(entries, entry)
	historyJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode reasoning history: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE extraction_progress
		 SET merged_data = ?, merge_reasoning = ?, updated_at = ?
		 WHERE id = ?`,
		string(mergedJSON), string(historyJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("append reasoning: %w", err)
	}
	return tx.Commit()
}

// Transition changes status conditionally: the row must currently hold one
// of the from statuses (an empty from list means any non-terminal status).
// Terminal transitions stamp end_time and duration.
func (s *Store) Transition(ctx context.Context, id int64, from []Status, to Status, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status Status
	var start int64
	err = tx.QueryRowContext(ctx,
		`SELECT status, start_time FROM extraction_progress WHERE id = ?`, id).
		Scan(&status, &start)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	if len(from) == 0 {
		if status.Terminal() {
			return fmt.Errorf("%w: job %d is %s", ErrConflict, id, status)
		}
	} else {
		ok := false
		for _, f := range from {
			if status == f {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: job %d is %s, expected one of %v", ErrConflict, id, status, from)
		}
	}

	now := time.Now().Unix()
	if to.Terminal() {
		_, err = tx.ExecContext(ctx,
			`UPDATE extraction_progress
			 SET status = ?, message = ?, end_time = ?, duration = ?, updated_at = ?
			 WHERE id = ?`,
			to, message, now, float64(now-start), now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE extraction_progress
			 SET status = ?, message = ?, updated_at = ?
			 WHERE id = ?`,
			to, message, now, id)
	}
	if err != nil {
		return fmt.Errorf("transition job %d to %s: %w", id, to, err)
	}
	return tx.Commit()
}

// ListPending returns rows the batch poller should consider: scheduled,
// paused, and in_progress rows that never reached an end time. Newest first.
func (s *Store) ListPending(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_progress
		 WHERE status IN (?, ?) OR (status = ? AND end_time IS NULL)
		 ORDER BY id DESC`,
		StatusScheduled, StatusPaused, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListAll returns every job row, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_progress ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
