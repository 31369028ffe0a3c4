package safeguard

import (
	"fmt"
	"strings"
	"time"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// Window is a named set of weekly time ranges during which heavyweight
// operations (long builds, REINDEX) are permitted. The window string is a
// semicolon-separated list of "<days> <start>-<end>" clauses:
//
//	"mon-fri 01:00-05:00; sat-sun 00:00-06:00"
//
// Day ranges wrap (fri-mon covers fri, sat, sun, mon) and time ranges may
// cross midnight (23:00-02:00).
type Window struct {
	Name    string
	clauses []windowClause
}

type windowClause struct {
	days  [7]bool // Sunday == 0, matching time.Weekday
	start int     // minutes since midnight
	end   int
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWindow parses a window spec.
func ParseWindow(name, spec string) (*Window, error) {
	w := &Window{Name: name}
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clause, err := parseClause(part)
		if err != nil {
			return nil, fmt.Errorf("invalid window clause %q: %w", part, err)
		}
		w.clauses = append(w.clauses, clause)
	}
	if len(w.clauses) == 0 {
		return nil, fmt.Errorf("window %q has no clauses", name)
	}
	return w, nil
}

func parseClause(s string) (windowClause, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return windowClause{}, fmt.Errorf("want \"<days> <start>-<end>\"")
	}

	var c windowClause
	if err := parseDays(fields[0], &c.days); err != nil {
		return windowClause{}, err
	}

	times := strings.SplitN(fields[1], "-", 2)
	if len(times) != 2 {
		return windowClause{}, fmt.Errorf("want start-end time range")
	}
	start, err := parseHHMM(times[0])
	if err != nil {
		return windowClause{}, err
	}
	end, err := parseHHMM(times[1])
	if err != nil {
		return windowClause{}, err
	}
	c.start, c.end = start, end
	return c, nil
}

func parseDays(s string, days *[7]bool) error {
	for _, group := range strings.Split(s, ",") {
		if from, to, ok := strings.Cut(group, "-"); ok {
			fd, fok := dayNames[from]
			td, tok := dayNames[to]
			if !fok || !tok {
				return fmt.Errorf("unknown day in range %q", group)
			}
			for d := fd; ; d = (d + 1) % 7 {
				days[d] = true
				if d == td {
					break
				}
			}
			continue
		}
		d, ok := dayNames[group]
		if !ok {
			return fmt.Errorf("unknown day %q", group)
		}
		days[d] = true
	}
	return nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	day := t.Weekday()
	prevDay := (day + 6) % 7

	for _, c := range w.clauses {
		if c.start <= c.end {
			if c.days[day] && minute >= c.start && minute < c.end {
				return true
			}
			continue
		}
		// Crosses midnight: the clause covers [start, 24:00) on its days and
		// [00:00, end) on the following days.
		if c.days[day] && minute >= c.start {
			return true
		}
		if c.days[prevDay] && minute < c.end {
			return true
		}
	}
	return false
}

// Gate returns an outcome for running heavyweight work at t.
func (w *Window) Gate(t time.Time) domain.GateOutcome {
	if w == nil || w.Contains(t) {
		return domain.GateOutcome{Decision: domain.GateAllow, Gate: "maintenance-window"}
	}
	return domain.GateOutcome{
		Decision: domain.GateDefer,
		Gate:     "maintenance-window",
		Reason:   "outside window " + w.Name,
	}
}
