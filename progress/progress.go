// Package progress computes how far a run is, from its tick counters.
package progress

import (
	"fmt"
	"time"

	"github.com/factorysh/maintenance/run"
)

// Progress is what the API shows about a run advancement
type Progress struct {
	Value            int64          `json:"value"`
	Max              *int64         `json:"max,omitempty"`
	Ratio            *float64       `json:"ratio,omitempty"`
	Indeterminate    bool           `json:"indeterminate"`
	Text             string         `json:"text"`
	TimeToCompletion *time.Duration `json:"time_to_completion,omitempty"`
}

// Ratio returns tickCount / tickTotal clamped to [0, 1].
// The boolean is false when the total is unknown or zero: progress is indeterminate.
func Ratio(tickCount int64, tickTotal *int64) (float64, bool) {
	if tickTotal == nil || *tickTotal <= 0 {
		return 0, false
	}
	ratio := float64(tickCount) / float64(*tickTotal)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio, true
}

// Text is a human sentence
func Text(tickCount int64, tickTotal *int64) string {
	ratio, ok := Ratio(tickCount, tickTotal)
	if !ok {
		if tickCount == 1 {
			return "Processed 1 item."
		}
		return fmt.Sprintf("Processed %d items.", tickCount)
	}
	return fmt.Sprintf("Processed %d out of %d items (%d%%).", tickCount, *tickTotal, int(ratio*100))
}

// TimeToCompletion extrapolates the time left from the time spent so far
func TimeToCompletion(tickCount int64, tickTotal *int64, timeRunning time.Duration) (time.Duration, bool) {
	if tickCount <= 0 || timeRunning <= 0 {
		return 0, false
	}
	if _, ok := Ratio(tickCount, tickTotal); !ok {
		return 0, false
	}
	left := *tickTotal - tickCount
	if left <= 0 {
		return 0, true
	}
	perTick := timeRunning / time.Duration(tickCount)
	return perTick * time.Duration(left), true
}

// For builds the Progress of a run
func For(r *run.Run) Progress {
	p := Progress{
		Value: r.TickCount,
		Max:   r.TickTotal,
		Text:  Text(r.TickCount, r.TickTotal),
	}
	ratio, ok := Ratio(r.TickCount, r.TickTotal)
	if !ok {
		p.Indeterminate = true
	} else {
		if r.Status == run.Succeeded {
			ratio = 1
		}
		p.Ratio = &ratio
	}
	if r.Status.IsActive() {
		if ttc, ok := TimeToCompletion(r.TickCount, r.TickTotal, r.TimeRunning); ok {
			p.TimeToCompletion = &ttc
		}
	}
	return p
}
