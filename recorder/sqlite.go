package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/hephy-dd/pt100ramp/ramp"
)

// ErrRunNotFound is returned for unknown run ids
var ErrRunNotFound = errors.New("run not found")

// tsLayout has a fixed width so that timestamps sort as text
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started TEXT NOT NULL,
	ended TEXT,
	state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	timestamp TEXT NOT NULL,
	chamber_temp REAL NOT NULL,
	chamber_humidity REAL NOT NULL,
	reference_temp REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_run ON readings(run_id, id);
`

// Run is the record of one ramp run
type Run struct {
	ID      string     `json:"id"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
	State   ramp.State `json:"state"`
	Error   string     `json:"error,omitempty"`
}

// Store keeps runs and their readings in SQLite
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenStore opens or creates the database at path
func OpenStore(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "sqlite").Logger()}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Observe implements ramp.Observer
func (s *Store) Observe(e ramp.Event) {
	ctx := context.Background()
	var err error
	switch {
	case e.Kind == ramp.EventStarted:
		err = s.begin(ctx, e.RunID, e.Time)
	case e.Kind == ramp.EventMeasured:
		err = s.SaveReading(ctx, e.RunID, e.Reading)
	case e.Terminal():
		err = s.end(ctx, e)
	}
	if err != nil {
		s.log.Error().Err(err).Str("run", e.RunID).Msg("storing event")
	}
}

func (s *Store) begin(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started, state) VALUES (?, ?, ?)`,
		id, t.UTC().Format(tsLayout), string(ramp.Running))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Store) end(ctx context.Context, e ramp.Event) error {
	state := ramp.Finished
	switch e.Kind {
	case ramp.EventFailed:
		state = ramp.Failed
	case ramp.EventCancelled:
		state = ramp.Cancelled
	}
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	// a run that failed to acquire the bench never started; record it anyway
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started, ended, state, error) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ended = excluded.ended, state = excluded.state, error = excluded.error`,
		e.RunID, e.Time.UTC().Format(tsLayout), e.Time.UTC().Format(tsLayout), string(state), msg)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// SaveReading stores a reading of run id
func (s *Store) SaveReading(ctx context.Context, id string, r ramp.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (run_id, timestamp, chamber_temp, chamber_humidity, reference_temp) VALUES (?, ?, ?, ?, ?)`,
		id, r.Time.UTC().Format(tsLayout), r.ChamberTemp, r.ChamberHumidity, r.ReferenceTemp)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// Runs returns all runs, newest first
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started, ended, state, error FROM runs ORDER BY started DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Run returns the run with the given id
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started, ended, state, error FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run     Run
		started string
		ended   sql.NullString
		state   string
	)
	if err := sc.Scan(&run.ID, &started, &ended, &state, &run.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	run.State = ramp.State(state)
	var err error
	if run.Started, err = time.Parse(tsLayout, started); err != nil {
		return Run{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	if ended.Valid {
		t, err := time.Parse(tsLayout, ended.String)
		if err != nil {
			return Run{}, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		run.Ended = &t
	}
	return run, nil
}

// Readings returns the readings of run id in the order they were taken
func (s *Store) Readings(ctx context.Context, id string) ([]ramp.Reading, error) {
	if _, err := s.Run(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, chamber_temp, chamber_humidity, reference_temp
		 FROM readings WHERE run_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()
	out := []ramp.Reading{}
	for rows.Next() {
		var (
			r  ramp.Reading
			ts string
		)
		if err := rows.Scan(&ts, &r.ChamberTemp, &r.ChamberHumidity, &r.ReferenceTemp); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if r.Time, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
