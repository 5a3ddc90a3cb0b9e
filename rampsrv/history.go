package rampsrv

import (
	"sync"

	"github.com/brandondube/ringo"

	"github.com/hephy-dd/pt100ramp/ramp"
)

// DefaultHistory is the number of readings a History keeps if not told otherwise
const DefaultHistory = 1000

// History is a ramp.Observer that keeps the most recent readings of the
// current or last run in ring buffers.  It is emptied when a run starts, or
// when a run it has not seen start ends.
type History struct {
	mu    sync.Mutex
	size  int
	n     int // readings held, at most size
	runID string

	time     ringo.CircleTime
	chamber  ringo.CircleF64
	humidity ringo.CircleF64
	pt100    ringo.CircleF64
}

// NewHistory returns a History holding at most size readings
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistory
	}
	h := &History{size: size}
	h.reset("")
	return h
}

func (h *History) reset(runID string) {
	h.time.Init(h.size)
	h.chamber.Init(h.size)
	h.humidity.Init(h.size)
	h.pt100.Init(h.size)
	h.n = 0
	h.runID = runID
}

// Observe implements ramp.Observer
func (h *History) Observe(e ramp.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case e.Kind == ramp.EventStarted:
		h.reset(e.RunID)
	case e.Kind == ramp.EventMeasured:
		h.time.Append(e.Reading.Time)
		h.chamber.Append(e.Reading.ChamberTemp)
		h.humidity.Append(e.Reading.ChamberHumidity)
		h.pt100.Append(e.Reading.ReferenceTemp)
		if h.n < h.size {
			h.n++
		}
	case e.Terminal() && e.RunID != h.runID:
		// a run that failed before it started has no readings
		h.reset(e.RunID)
	}
}

// Readings returns the readings oldest first, and the run they belong to
func (h *History) Readings() (string, []ramp.Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ramp.Reading, 0, h.n)
	if h.n == 0 {
		return h.runID, out
	}
	ts := h.time.Contiguous()
	temp := h.chamber.Contiguous()
	humid := h.humidity.Contiguous()
	pt := h.pt100.Contiguous()
	for i := range ts {
		out = append(out, ramp.Reading{
			Time:            ts[i],
			ChamberTemp:     temp[i],
			ChamberHumidity: humid[i],
			ReferenceTemp:   pt[i],
		})
	}
	return h.runID, out
}
