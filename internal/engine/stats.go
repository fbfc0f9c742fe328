package engine

import (
	"fmt"
	"os"
)

// Status is the three-valued outcome of spec.md §7: errors are return
// values, never panics, mirroring the teacher's heavy use of plain
// error returns over panic/recover (cffi.go, codegen_elf_writer.go).
type Status int

const (
	StatusSuccess Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats are the per-batch counters of spec.md §4.9, grounded directly
// on uftrace's mcount_dynamic_stats {total, failed, skipped, nomatch,
// unpatch}.
type Stats struct {
	Total   int
	Patched int
	Failed  int
	Skipped int
	NoMatch int
	Unpatch int
}

func (s *Stats) record(st Status, matched bool) {
	s.Total++
	if !matched {
		s.NoMatch++
		return
	}
	switch st {
	case StatusSuccess:
		s.Patched++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
}

// calcPercent computes n/total as an integer percentage plus a
// centi-percent remainder, without floating point — spec.md §7
// requires "two-decimal percentages computed without floating point",
// directly grounded on uftrace's own calc_percent (libmcount/dynamic.c),
// whose comment reads "do not use floating-point in libmcount".
func calcPercent(n, total int) (whole, centi int) {
	if total == 0 {
		return 0, 0
	}
	quot := 100 * n / total
	rem := (100*n - quot*total) * 100 / total
	return quot, rem
}

// logf and dbgf are the ambient logging helpers of SPEC_FULL.md §10:
// fmt.Fprintf(os.Stderr, ...), the teacher's own VerboseMode idiom (see
// atomic.go, bad_address_detector.go). logf always writes (patch and
// recovery failures); dbgf writes only when Verbose is set. No
// structured logging library is used on the signal-handler hot path
// (internal/sigplumb never calls these); they are only ever invoked
// from the instrumenter thread.
var Verbose bool

func logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}

func dbgf(format string, args ...interface{}) {
	if Verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Summary renders the diagnostic line spec.md §7 requires: "a
// diagnostic line per module summarising total/patched/failed/skipped/
// no-match with two-decimal percentages".
func (s *Stats) Summary(moduleName string) string {
	pw, pc := calcPercent(s.Patched, s.Total)
	fw, fc := calcPercent(s.Failed, s.Total)
	sw, sc := calcPercent(s.Skipped, s.Total)
	nw, nc := calcPercent(s.NoMatch, s.Total)

	return fmt.Sprintf(
		"%s: total: %d, patched: %d (%d.%02d%%), failed: %d (%d.%02d%%), skipped: %d (%d.%02d%%), no match: %d (%d.%02d%%)",
		moduleName, s.Total,
		s.Patched, pw, pc,
		s.Failed, fw, fc,
		s.Skipped, sw, sc,
		s.NoMatch, nw, nc,
	)
}
