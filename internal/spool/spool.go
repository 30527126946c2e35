// Package spool journals attendance jobs whose backend write failed so they
// survive restarts and are retried in the background. It is optional: an
// unconfigured spool leaves the pipeline fully stateless.
package spool

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Spool is a sqlite-backed job journal.
type Spool struct {
	db *sql.DB
}

// Open opens (or creates) the spool database and applies migrations.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	// sqlite allows one writer; keep the pool from fighting itself.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Spool{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Spool) Close() error { return s.db.Close() }

// Put journals a failed job. Replays of the same job id overwrite in place.
func (s *Spool) Put(job *attend.WriteJob) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO attendance_jobs
			(id, employee_id, name, company_id, camera_id, camera_name, stream_type, confidence, marked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.EmployeeID, job.Name, job.CompanyID, job.CameraID,
		job.CameraName, job.StreamType, job.Confidence, job.MarkedAt.UTC())
	return err
}

// Pending returns up to limit unfinished jobs, oldest first.
func (s *Spool) Pending(limit int) ([]*attend.WriteJob, error) {
	rows, err := s.db.Query(`
		SELECT id, employee_id, name, company_id, camera_id, camera_name, stream_type, confidence, marked_at
		FROM attendance_jobs WHERE done = 0 ORDER BY spooled_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*attend.WriteJob
	for rows.Next() {
		j := &attend.WriteJob{}
		if err := rows.Scan(&j.ID, &j.EmployeeID, &j.Name, &j.CompanyID, &j.CameraID,
			&j.CameraName, &j.StreamType, &j.Confidence, &j.MarkedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkDone flags a job as delivered.
func (s *Spool) MarkDone(id string) error {
	_, err := s.db.Exec(`UPDATE attendance_jobs SET done = 1 WHERE id = ?`, id)
	return err
}

// NoteAttempt bumps the retry counter.
func (s *Spool) NoteAttempt(id string) error {
	_, err := s.db.Exec(`UPDATE attendance_jobs SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

// PendingCount returns the number of unfinished jobs.
func (s *Spool) PendingCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM attendance_jobs WHERE done = 0`).Scan(&n)
	return n, err
}

// StartRetry launches the background retry loop. Delivered jobs are marked
// done; failures stay pending for the next cycle.
func (s *Spool) StartRetry(ctx context.Context, interval time.Duration, write attend.WriteFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.retryOnce(write)
			}
		}
	}()
}

func (s *Spool) retryOnce(write attend.WriteFunc) {
	jobs, err := s.Pending(100)
	if err != nil {
		monitoring.Logf("[Spool] pending query failed: %v", err)
		return
	}
	for _, job := range jobs {
		if err := s.NoteAttempt(job.ID); err != nil {
			monitoring.Logf("[Spool] attempt bump failed id=%s: %v", job.ID, err)
		}
		if err := write(job); err != nil {
			// Still down; the whole batch can wait for the next cycle.
			return
		}
		if err := s.MarkDone(job.ID); err != nil {
			monitoring.Logf("[Spool] mark done failed id=%s: %v", job.ID, err)
		}
	}
}
