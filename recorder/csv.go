// Package recorder persists the readings of ramp runs, to a CSV file per run
// and optionally to a SQLite database.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hephy-dd/pt100ramp/ramp"
	"github.com/hephy-dd/pt100ramp/util"
)

// CSVHeader is the first row of every log file
var CSVHeader = []string{"time", "cts_temp", "cts_humid", "pt100"}

// CSV writes one file per run named pt100-<start time>.csv in Dir, with the
// first part of the run id appended when that name is taken.
// Every reading is flushed to disk as it arrives.
type CSV struct {
	Dir string
	Log zerolog.Logger

	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// NewCSV returns a CSV recorder writing to dir
func NewCSV(dir string, log zerolog.Logger) *CSV {
	return &CSV{Dir: dir, Log: log.With().Str("component", "csv").Logger()}
}

// Path returns the file of the current or last run
func (c *CSV) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Observe implements ramp.Observer
func (c *CSV) Observe(e ramp.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	switch {
	case e.Kind == ramp.EventStarted:
		err = c.open(e)
	case e.Kind == ramp.EventMeasured:
		err = c.write(e.Reading)
	case e.Terminal():
		err = c.close()
	}
	if err != nil {
		c.Log.Error().Err(err).Str("file", c.path).Msg("writing log file")
	}
}

func (c *CSV) open(e ramp.Event) error {
	if err := c.close(); err != nil {
		c.Log.Warn().Err(err).Msg("closing previous log file")
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	stamp := util.IsoDatetime(e.Time)
	c.path = filepath.Join(c.Dir, fmt.Sprintf("pt100-%s.csv", stamp))
	f, err := create(c.path)
	if errors.Is(err, fs.ErrExist) {
		// a run already started in the same second
		id, _, _ := strings.Cut(e.RunID, "-")
		c.path = filepath.Join(c.Dir, fmt.Sprintf("pt100-%s-%s.csv", stamp, id))
		f, err = create(c.path)
	}
	if err != nil {
		return err
	}
	c.f = f
	c.w = csv.NewWriter(f)
	c.Log.Info().Str("file", c.path).Msg("logging readings")
	return c.row(CSVHeader)
}

// create opens a new file, never one that exists
func create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

func (c *CSV) write(r ramp.Reading) error {
	if c.w == nil {
		return nil
	}
	return c.row([]string{
		strconv.FormatFloat(util.UnixSeconds(r.Time), 'f', 6, 64),
		strconv.FormatFloat(r.ChamberTemp, 'f', -1, 64),
		strconv.FormatFloat(r.ChamberHumidity, 'f', -1, 64),
		strconv.FormatFloat(r.ReferenceTemp, 'f', -1, 64),
	})
}

func (c *CSV) row(rec []string) error {
	if err := c.w.Write(rec); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSV) close() error {
	if c.f == nil {
		return nil
	}
	c.w.Flush()
	err := c.w.Error()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	c.f, c.w = nil, nil
	return err
}
