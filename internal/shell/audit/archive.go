package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/caravel/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a requested run is not archived.
var ErrRunNotFound = errors.New("run not found")

// =============================================================================
// Archive
// =============================================================================

// Archive persists finalized runs to SQLite for post-hoc inspection. The
// in-memory Auditor remains the source attached to the PortfolioResult;
// archiving is optional and happens once, after Finalize.
type Archive struct {
	db *sqlx.DB
}

// NewArchive opens the archive database and runs migrations.
func NewArchive(dsn string) (*Archive, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open audit archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit archive: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit archive: %w", err)
	}
	return &Archive{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the archive database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// =============================================================================
// Rows
// =============================================================================

type runRow struct {
	ID          string `db:"id"`
	Environment string `db:"environment"`
	StartedAt   string `db:"started_at"`
	EndedAt     string `db:"ended_at"`
	DurationMs  int64  `db:"duration_ms"`
	Succeeded   int    `db:"succeeded"`
	Failed      int    `db:"failed"`
	RolledBack  int    `db:"rolled_back"`
	Skipped     int    `db:"skipped"`
	Cancelled   int    `db:"cancelled"`
}

type eventRow struct {
	RunID    string  `db:"run_id"`
	TS       string  `db:"ts"`
	DomainID string  `db:"domain_id"`
	Phase    string  `db:"phase"`
	Status   string  `db:"status"`
	Detail   *string `db:"detail"`
}

// RunSummary is the listing view of an archived run.
type RunSummary struct {
	ID          string             `json:"id"`
	Environment domain.Environment `json:"environment"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	DurationMs  int64              `json:"duration_ms"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	RolledBack  int                `json:"rolled_back"`
	Skipped     int                `json:"skipped"`
	Cancelled   int                `json:"cancelled"`
}

// =============================================================================
// Operations
// =============================================================================

// SaveRun archives a finalized portfolio result and its audit log.
func (a *Archive) SaveRun(ctx context.Context, env domain.Environment, result *domain.PortfolioResult) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO runs (id, environment, started_at, ended_at, duration_ms,
		                  succeeded, failed, rolled_back, skipped, cancelled)
		VALUES (:id, :environment, :started_at, :ended_at, :duration_ms,
		        :succeeded, :failed, :rolled_back, :skipped, :cancelled)`,
		runRow{
			ID:          result.RunID,
			Environment: string(env),
			StartedAt:   result.StartedAt.Format(time.RFC3339Nano),
			EndedAt:     result.EndedAt.Format(time.RFC3339Nano),
			DurationMs:  result.DurationMs,
			Succeeded:   len(result.Succeeded),
			Failed:      len(result.Failed),
			RolledBack:  len(result.RolledBack),
			Skipped:     len(result.Skipped),
			Cancelled:   len(result.Cancelled),
		})
	if err != nil {
		return fmt.Errorf("insert run %s: %w", result.RunID, err)
	}

	for _, event := range result.AuditLog.Events {
		row := eventRow{
			RunID:    result.RunID,
			TS:       event.Timestamp.Format(time.RFC3339Nano),
			DomainID: event.DomainID,
			Phase:    string(event.Phase),
			Status:   event.Status,
		}
		if len(event.Detail) > 0 {
			encoded, err := json.Marshal(event.Detail)
			if err != nil {
				return fmt.Errorf("encode event detail: %w", err)
			}
			detail := string(encoded)
			row.Detail = &detail
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO run_events (run_id, ts, domain_id, phase, status, detail)
			VALUES (:run_id, :ts, :domain_id, :phase, :status, :detail)`, row); err != nil {
			return fmt.Errorf("insert event for run %s: %w", result.RunID, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns archived run summaries, newest first.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []runRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, environment, started_at, ended_at, duration_ms,
		       succeeded, failed, rolled_back, skipped, cancelled
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	summaries := make([]RunSummary, 0, len(rows))
	for _, row := range rows {
		summary, err := rowToSummary(row)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetRun returns one archived run summary.
func (a *Archive) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	var row runRow
	err := a.db.GetContext(ctx, &row, `
		SELECT id, environment, started_at, ended_at, duration_ms,
		       succeeded, failed, rolled_back, skipped, cancelled
		FROM runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	summary, err := rowToSummary(row)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// EventsForRun returns the archived audit events of a run in order.
func (a *Archive) EventsForRun(ctx context.Context, runID string) ([]domain.AuditEvent, error) {
	var rows []eventRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT run_id, ts, domain_id, phase, status, detail
		FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("events for run %s: %w", runID, err)
	}

	events := make([]domain.AuditEvent, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339Nano, row.TS)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		event := domain.AuditEvent{
			Timestamp: ts,
			DomainID:  row.DomainID,
			Phase:     domain.Phase(row.Phase),
			Status:    row.Status,
		}
		if row.Detail != nil {
			if err := json.Unmarshal([]byte(*row.Detail), &event.Detail); err != nil {
				return nil, fmt.Errorf("decode event detail: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, nil
}

func rowToSummary(row runRow) (RunSummary, error) {
	started, err := time.Parse(time.RFC3339Nano, row.StartedAt)
	if err != nil {
		return RunSummary{}, fmt.Errorf("parse run started_at: %w", err)
	}
	ended, err := time.Parse(time.RFC3339Nano, row.EndedAt)
	if err != nil {
		return RunSummary{}, fmt.Errorf("parse run ended_at: %w", err)
	}
	return RunSummary{
		ID:          row.ID,
		Environment: domain.Environment(row.Environment),
		StartedAt:   started,
		EndedAt:     ended,
		DurationMs:  row.DurationMs,
		Succeeded:   row.Succeeded,
		Failed:      row.Failed,
		RolledBack:  row.RolledBack,
		Skipped:     row.Skipped,
		Cancelled:   row.Cancelled,
	}, nil
}
