package market

import (
	"time"

	"optionpulse/config"
	"optionpulse/pkg/pricing"
)

type clock struct{ hour, minute int }

// Session knows the market timezone and the fixed snapshot times.
// Timestamps are stored in UTC; calendar logic happens in Loc.
type Session struct {
	Loc    *time.Location
	open   clock
	close  clock
	cutoff clock
}

func NewSession(cfg config.MarketConfig) (Session, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Session{}, err
	}
	s := Session{Loc: loc}
	for _, c := range []struct {
		hm  string
		dst *clock
	}{
		{cfg.OpenSnapshot, &s.open},
		{cfg.CloseSnapshot, &s.close},
		{cfg.ExpiryCutoff, &s.cutoff},
	} {
		h, m, err := config.ParseClock(c.hm)
		if err != nil {
			return Session{}, err
		}
		*c.dst = clock{h, m}
	}
	return s, nil
}

func (s Session) loc() *time.Location {
	if s.Loc == nil {
		return time.UTC
	}
	return s.Loc
}

func (s Session) at(date time.Time, c clock) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, c.hour, c.minute, 0, 0, s.loc()).UTC()
}

// OpenAt is the open snapshot instant of a market date, in UTC.
func (s Session) OpenAt(date time.Time) time.Time { return s.at(date, s.open) }

// CloseAt is the close snapshot instant of a market date, in UTC.
func (s Session) CloseAt(date time.Time) time.Time { return s.at(date, s.close) }

func (s Session) CutoffClock() (hour, minute int) { return s.cutoff.hour, s.cutoff.minute }

// MarketDate returns the calendar date of ts in the market timezone.
func (s Session) MarketDate(ts time.Time) time.Time {
	y, m, d := ts.In(s.loc()).Date()
	return Date(y, m, d)
}

func (s Session) IsOpenSnapshot(ts time.Time) bool  { return ts.Equal(s.OpenAt(s.MarketDate(ts))) }
func (s Session) IsCloseSnapshot(ts time.Time) bool { return ts.Equal(s.CloseAt(s.MarketDate(ts))) }

// YearsToExpiry is the pricing time to expiry for an option observed at ts.
func (s Session) YearsToExpiry(expiry, ts time.Time) float64 {
	return pricing.TimeToExpiry(expiry, s.cutoff.hour, s.cutoff.minute, s.loc(), ts)
}

// StoredTime normalises a timestamp for storage: UTC, whole seconds.
func StoredTime(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Second)
}
