package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed history of runs, frames and gate decisions.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            mode TEXT NOT NULL,
            status TEXT NOT NULL,
            input_left TEXT,
            input_right TEXT,
            output_right TEXT,
            options_json TEXT,
            frames_total INTEGER DEFAULT 0,
            frames_written INTEGER DEFAULT 0,
            frames_skipped INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            side TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            status TEXT NOT NULL,
            duration_ms INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS calibration_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            stage TEXT NOT NULL,
            decision TEXT NOT NULL,
            artifact TEXT,
            detail_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_results_run_id ON frame_results(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_events_run_id ON calibration_events(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID            string
	Mode          string
	Status        string
	InputLeft     string
	InputRight    string
	OutputRight   string
	OptionsJSON   string
	FramesTotal   int
	FramesWritten int
	FramesSkipped int
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// FrameRecord is the outcome of one batch frame on one side.
type FrameRecord struct {
	RunID      string
	Index      int
	Side       string
	InputPath  string
	OutputPath string
	Status     string // written, skipped
	Duration   time.Duration
	Error      string
}

// CalibrationEvent is one persistence gate decision.
type CalibrationEvent struct {
	RunID     string
	Stage     string
	Decision  string // loaded, computed, failed
	Artifact  string
	Detail    map[string]any
	CreatedAt time.Time
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, mode, status, input_left, input_right, output_right, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Mode, rec.Status, rec.InputLeft, rec.InputRight, rec.OutputRight, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running with the number of frames found.
func (s *Store) RecordRunStart(id string, total int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', frames_total=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, total, id)
	return err
}

// RecordRunResult finalizes a run with status, counters and meta.
func (s *Store) RecordRunResult(id string, status string, written, skipped int, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, frames_written=?, frames_skipped=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, written, skipped, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, mode, status, input_left, input_right, output_right, options_json, frames_total, frames_written, frames_skipped, created_at, started_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var inLeft, inRight, outRight, options, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Mode, &rec.Status, &inLeft, &inRight, &outRight, &options,
			&rec.FramesTotal, &rec.FramesWritten, &rec.FramesSkipped, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputLeft, rec.InputRight, rec.OutputRight, rec.OptionsJSON = inLeft.String, inRight.String, outRight.String, options.String
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFrame persists one frame outcome.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO frame_results (run_id, frame_index, side, input_path, output_path, status, duration_ms, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Side, rec.InputPath, rec.OutputPath, rec.Status, rec.Duration.Milliseconds(), rec.Error)
	return err
}

// RunFrames returns the frame outcomes of a run in processing order.
func (s *Store) RunFrames(runID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame_index, side, input_path, output_path, status, duration_ms, error_message FROM frame_results WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var input, output, errorMsg sql.NullString
		var ms sql.NullInt64
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Side, &input, &output, &rec.Status, &ms, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OutputPath, rec.Error = input.String, output.String, errorMsg.String
		rec.Duration = time.Duration(ms.Int64) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordCalibrationEvent persists a gate decision.
func (s *Store) RecordCalibrationEvent(ev CalibrationEvent) error {
	if s == nil {
		return nil
	}
	detail, _ := json.Marshal(ev.Detail)
	_, err := s.DB.Exec(`INSERT INTO calibration_events (run_id, stage, decision, artifact, detail_json) VALUES (?, ?, ?, ?, ?);`,
		ev.RunID, ev.Stage, ev.Decision, ev.Artifact, string(detail))
	return err
}

// CalibrationEvents returns the gate decisions of a run.
func (s *Store) CalibrationEvents(runID string) ([]CalibrationEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, stage, decision, artifact, detail_json, created_at FROM calibration_events WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []CalibrationEvent
	for rows.Next() {
		var ev CalibrationEvent
		var artifact, detail sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Stage, &ev.Decision, &artifact, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Artifact = artifact.String
		if detail.Valid && detail.String != "" && detail.String != "null" {
			if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal detail: %w", err)
			}
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}
