package orchestrator

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Stats are counters reported by the behavior script, summed across
// sessions. They are recomputed on every request and never stored.
type Stats struct {
	Clicks           int `json:"clicks"`
	Blocked          int `json:"blocked"`
	FileEdits        int `json:"fileEdits"`
	TerminalCommands int `json:"terminalCommands"`
}

// Add returns the field-wise sum.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Clicks:           addCount(s.Clicks, o.Clicks),
		Blocked:          addCount(s.Blocked, o.Blocked),
		FileEdits:        addCount(s.FileEdits, o.FileEdits),
		TerminalCommands: addCount(s.TerminalCommands, o.TerminalCommands),
	}
}

// ResetCounts are the pre-reset values returned by ResetStats.
type ResetCounts struct {
	Clicks  int `json:"clicks"`
	Blocked int `json:"blocked"`
}

// Add returns the field-wise sum.
func (r ResetCounts) Add(o ResetCounts) ResetCounts {
	return ResetCounts{Clicks: addCount(r.Clicks, o.Clicks), Blocked: addCount(r.Blocked, o.Blocked)}
}

// addCount sums two counters, saturating at the int range.
func addCount(a, b int) int {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return math.MaxInt
	case b < 0 && a < math.MinInt-b:
		return math.MinInt
	}
	return a + b
}

// counter decodes a loosely typed JS number. Missing, null, non-numeric or
// non-finite values count as zero.
type counter int

func (c *counter) UnmarshalJSON(data []byte) error {
	*c = 0
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	*c = counter(toCount(v))
	return nil
}

func toCount(v any) int {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case bool:
		if x {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0
	case f >= float64(math.MaxInt):
		return math.MaxInt
	case f <= float64(math.MinInt):
		return math.MinInt
	}
	return int(f)
}

// rawStats is the per-session wire shape, tolerant of sloppy scripts.
type rawStats struct {
	Clicks           counter `json:"clicks"`
	Blocked          counter `json:"blocked"`
	FileEdits        counter `json:"fileEdits"`
	TerminalCommands counter `json:"terminalCommands"`
}

func (r rawStats) stats() Stats {
	return Stats{
		Clicks:           int(r.Clicks),
		Blocked:          int(r.Blocked),
		FileEdits:        int(r.FileEdits),
		TerminalCommands: int(r.TerminalCommands),
	}
}
