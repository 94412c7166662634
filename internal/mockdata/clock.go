package mockdata

import (
	"time"

	"github.com/epic1st/optionstream/backend/internal/apperr"
)

// Clock reports whether the market is currently in its regular trading
// session, the gate the mock Driver checks before generating mock ticks.
type Clock struct {
	loc        *time.Location
	openHour   int
	openMin    int
	closeHour  int
	closeMin   int
}

// NewClock parses "HH:MM" open/close times evaluated in tz. Returns an
// error if either time string is malformed, since a broken market-hours
// config would otherwise silently gate mock data off (or on) forever.
func NewClock(tz string, open, close string) (*Clock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperr.ConfigErr("invalid market timezone %q: %v", tz, err)
	}
	oh, om, err := parseHHMM(open)
	if err != nil {
		return nil, apperr.ConfigErr("invalid market open time %q: %v", open, err)
	}
	ch, cm, err := parseHHMM(close)
	if err != nil {
		return nil, apperr.ConfigErr("invalid market close time %q: %v", close, err)
	}
	return &Clock{loc: loc, openHour: oh, openMin: om, closeHour: ch, closeMin: cm}, nil
}

// IsOpen reports whether t falls within the configured session on a
// weekday. Saturdays and Sundays are always closed; holiday calendars
// are out of scope.
func (c *Clock) IsOpen(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), c.openHour, c.openMin, 0, 0, c.loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), c.closeHour, c.closeMin, 0, 0, c.loc)
	return !local.Before(open) && local.Before(close)
}

func parseHHMM(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
