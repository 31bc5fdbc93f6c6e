package gather

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"marketpull/internal/domain"
)

// ---------------------------------------------------------------------------
// Step
// ---------------------------------------------------------------------------

// MinStep is the shortest step a cursor accepts. Artifact names carry
// second-resolution stamps.
const MinStep = time.Second

// Step is the distance a DateCursor moves per advance: calendar years,
// months and days plus a clock duration.
type Step struct {
	Years  int
	Months int
	Days   int
	Clock  time.Duration
}

// Add returns t moved forward by the step.
func (s Step) Add(t time.Time) time.Time {
	return t.AddDate(s.Years, s.Months, s.Days).Add(s.Clock)
}

// String renders the step in the form accepted by ParseStep.
func (s Step) String() string {
	var parts []string
	if s.Years != 0 {
		parts = append(parts, fmt.Sprintf("%dy", s.Years))
	}
	if s.Months != 0 {
		parts = append(parts, fmt.Sprintf("%dmo", s.Months))
	}
	if s.Days != 0 {
		if s.Days%7 == 0 {
			parts = append(parts, fmt.Sprintf("%dw", s.Days/7))
		} else {
			parts = append(parts, fmt.Sprintf("%dd", s.Days))
		}
	}
	if s.Clock != 0 {
		parts = append(parts, s.Clock.String())
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, "")
}

var calendarStepRe = regexp.MustCompile(`^(\d+)(y|mo|w|d)$`)

// ParseStep parses a step such as "25w", "7d", "3mo", "1y", or any
// time.ParseDuration string ("36h").
func ParseStep(s string) (Step, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if m := calendarStepRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Step{}, fmt.Errorf("parsing step %q: %w", s, err)
		}
		if n == 0 {
			return Step{}, fmt.Errorf("step %q must be positive", s)
		}
		switch m[2] {
		case "y":
			return Step{Years: n}, nil
		case "mo":
			return Step{Months: n}, nil
		case "w":
			return Step{Days: 7 * n}, nil
		default:
			return Step{Days: n}, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return Step{}, fmt.Errorf("parsing step %q: want <n>y, <n>mo, <n>w, <n>d or a duration", s)
	}
	if d <= 0 {
		return Step{}, fmt.Errorf("step %q must be positive", s)
	}
	if d < MinStep {
		return Step{}, fmt.Errorf("step %q is shorter than %s", s, MinStep)
	}
	return Step{Clock: d}, nil
}

// ---------------------------------------------------------------------------
// DateCursor
// ---------------------------------------------------------------------------

// DateCursor walks from a start date to an end date in fixed steps. Once a
// step reaches or passes the end, the position is clamped to the end and the
// cursor is finished for good.
type DateCursor struct {
	start    time.Time
	end      time.Time
	step     Step
	current  time.Time
	finished bool
}

// NewDateCursor creates a cursor positioned at start. A cursor whose start
// equals its end has nothing to walk and begins finished.
func NewDateCursor(start, end time.Time, step Step) (*DateCursor, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("cursor end %s is before start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if !step.Add(start).After(start) {
		return nil, fmt.Errorf("cursor step %s does not advance time", step)
	}
	if step.Add(start).Sub(start) < MinStep {
		return nil, fmt.Errorf("cursor step %s is shorter than %s", step, MinStep)
	}
	return &DateCursor{
		start:    start,
		end:      end,
		step:     step,
		current:  start,
		finished: !start.Before(end),
	}, nil
}

// Current returns the cursor position. ok is false once the cursor has
// finished.
func (c *DateCursor) Current() (t time.Time, ok bool) {
	if c.finished {
		return time.Time{}, false
	}
	return c.current, true
}

// Formatted returns the current position formatted with layout, or "" once
// the cursor has finished.
func (c *DateCursor) Formatted(layout string) string {
	t, ok := c.Current()
	if !ok {
		return ""
	}
	return t.Format(layout)
}

// Finished reports whether the cursor has reached its end.
func (c *DateCursor) Finished() bool { return c.finished }

// Advance moves the cursor forward one step and returns the new position.
// The advance that reaches or passes the end returns exactly the end and
// finishes the cursor; every later call returns ok=false.
func (c *DateCursor) Advance() (t time.Time, ok bool) {
	if c.finished {
		return time.Time{}, false
	}

	next := c.step.Add(c.current)
	if !next.Before(c.end) {
		c.current = c.end
		c.finished = true
		return c.end, true
	}

	c.current = next
	return next, true
}

// Next returns the window from the current position to the next one.
func (c *DateCursor) Next() (domain.Window, bool) {
	from, ok := c.Current()
	if !ok {
		return domain.Window{}, false
	}
	to, ok := c.Advance()
	if !ok {
		return domain.Window{}, false
	}
	return domain.Window{Start: from, End: to}, true
}

// Windows drains the cursor into its remaining windows.
func (c *DateCursor) Windows() []domain.Window {
	var windows []domain.Window
	for {
		w, ok := c.Next()
		if !ok {
			return windows
		}
		windows = append(windows, w)
	}
}
