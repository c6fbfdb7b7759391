package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/lox/solarsync/internal/models"
)

// SyncRun is one daily or backfill run, for auditing.
type SyncRun struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	TargetDay    models.Day `json:"targetDay,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error,omitempty"`
	ReportHash   string     `json:"reportHash,omitempty"`
}

// StartRun records a run as started and not yet successful.
func (s *Store) StartRun(ctx context.Context, kind string, day models.Day) (*SyncRun, error) {
	run := &SyncRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetDay: day,
		StartedAt: s.now().UTC(),
	}
	target := sql.NullString{String: string(day), Valid: day != ""}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO sync_runs (id, kind, target_day, started_at, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.ID, run.Kind, target, run.StartedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// FinishRun stores the run's JSON report gzip-compressed alongside its
// sha256 hash.
func (s *Store) FinishRun(ctx context.Context, run *SyncRun, runErr error, report any) error {
	if run == nil {
		return nil
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("compress report: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	hash := sha256.Sum256(payload)

	finished := s.now().UTC()
	run.FinishedAt = &finished
	run.Success = runErr == nil
	run.ReportHash = hex.EncodeToString(hash[:])
	var errMsg sql.NullString
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
		errMsg = sql.NullString{String: run.ErrorMessage, Valid: true}
	}

	_, err = s.exec(ctx, s.db, `
		UPDATE sync_runs SET
			finished_at = ?,
			success = ?,
			error_message = ?,
			report_gz = ?,
			report_hash = ?
		WHERE id = ?
	`, finished.Format(timeLayout), run.Success, errMsg, buf.Bytes(), run.ReportHash, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first, without reports.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, kind, target_day, started_at, finished_at, success, error_message, report_hash
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var (
			r                        SyncRun
			target, finished, errMsg sql.NullString
			hash                     sql.NullString
			started                  string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &target, &started, &finished, &r.Success, &errMsg, &hash); err != nil {
			return nil, err
		}
		r.TargetDay = models.Day(target.String)
		r.StartedAt = parseTimestamp(started)
		if finished.Valid {
			t := parseTimestamp(finished.String)
			r.FinishedAt = &t
		}
		r.ErrorMessage = errMsg.String
		r.ReportHash = hash.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunReport returns the decompressed JSON report of a finished run and
// verifies it against the stored hash.
func (s *Store) GetRunReport(ctx context.Context, id string) ([]byte, error) {
	var (
		compressed []byte
		hash       sql.NullString
	)
	err := s.queryRow(ctx, s.db, "SELECT report_gz, report_hash FROM sync_runs WHERE id = ?", id).Scan(&compressed, &hash)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && compressed == nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress report: %w", err)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != hash.String {
		return nil, fmt.Errorf("report %s: hash mismatch", id)
	}
	return payload, nil
}
