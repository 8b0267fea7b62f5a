// Package marketclock answers timezone-aware trading-session questions for
// each market: is it a trading day, what are today's hours, and should a
// pool instance be running right now given a configurable pre/post window.
//
// There is no subclass hierarchy here (the Python original split a base
// MarketClockService and an EnhancedMarketClockService by inheritance); the
// calendar — normal hours, half-day hours, and the holiday table — is all
// parameterized data on a single Clock.
package marketclock

import (
	"fmt"
	"time"
)

// DayType classifies a calendar date for a market.
type DayType string

const (
	DayNormal  DayType = "NORMAL"
	DayHalf    DayType = "HALF_DAY"
	DayHoliday DayType = "HOLIDAY"
	DayWeekend DayType = "WEEKEND"
)

// SessionType classifies the trading window within a trading day.
type SessionType string

const (
	SessionFullDay        SessionType = "full_day"
	SessionMorningOnly     SessionType = "morning_only"
	SessionAfternoonOnly   SessionType = "afternoon_only"
	SessionNone            SessionType = "none"
)

// Hours is an open/close pair in "HH:MM" market-local wall-clock time, plus
// an optional lunch break. Comparisons are by HH:MM string to sidestep
// DST-adjacent ambiguity, per spec §4.1's edge-case note.
type Hours struct {
	Open       string
	Close      string
	LunchStart string // empty if no lunch break
	LunchEnd   string
}

// MarketCalendar is the per-market parameterized schedule data: the normal
// full-day hours, the half-day hours (morning-only and afternoon-only
// variants), a timezone name, and the declared holiday/half-day dates. This
// is the "calendar provider" the spec's Open Questions call out as an input
// from outside the core; Clock only consumes it.
type MarketCalendar struct {
	Timezone     string
	FullDay      Hours
	MorningOnly  Hours
	AfternoonOnly Hours
	// Holidays maps "YYYY-MM-DD" -> true for full-day closures.
	Holidays map[string]bool
	// HalfDays maps "YYYY-MM-DD" -> the session type in effect that day.
	HalfDays map[string]SessionType
}

var defaultCalendars = map[string]MarketCalendar{
	"cn": {
		Timezone: "Asia/Shanghai",
		FullDay:  Hours{Open: "09:30", Close: "15:00", LunchStart: "11:30", LunchEnd: "13:00"},
		MorningOnly: Hours{Open: "09:30", Close: "11:30"},
		AfternoonOnly: Hours{Open: "13:00", Close: "15:00"},
		Holidays: map[string]bool{},
		HalfDays: map[string]SessionType{},
	},
	"hk": {
		Timezone: "Asia/Hong_Kong",
		FullDay:  Hours{Open: "09:30", Close: "16:15", LunchStart: "12:00", LunchEnd: "13:00"},
		MorningOnly: Hours{Open: "09:30", Close: "12:00"},
		AfternoonOnly: Hours{Open: "13:00", Close: "16:15"},
		Holidays: map[string]bool{},
		HalfDays: map[string]SessionType{},
	},
	"us": {
		Timezone: "America/New_York",
		FullDay:  Hours{Open: "09:30", Close: "16:00"},
		MorningOnly: Hours{Open: "09:30", Close: "13:00"},
		AfternoonOnly: Hours{Open: "13:00", Close: "16:00"},
		Holidays: map[string]bool{},
		HalfDays: map[string]SessionType{},
	},
}

// Clock answers trading-session questions for a set of markets.
type Clock struct {
	calendars map[string]MarketCalendar
	locations map[string]*time.Location
}

// New builds a Clock from the default CN/HK/US calendars. Use NewWithCalendars
// to supply a calendar loaded from the operator's calendar provider (e.g. the
// YAML file loaded by LoadCalendars).
func New() (*Clock, error) {
	return NewWithCalendars(defaultCalendars)
}

// NewWithCalendars builds a Clock from caller-supplied calendars, merging in
// the built-in defaults for any market not present.
func NewWithCalendars(calendars map[string]MarketCalendar) (*Clock, error) {
	merged := make(map[string]MarketCalendar, len(defaultCalendars)+len(calendars))
	for k, v := range defaultCalendars {
		merged[k] = v
	}
	for k, v := range calendars {
		merged[k] = v
	}

	locs := make(map[string]*time.Location, len(merged))
	for market, cal := range merged {
		loc, err := time.LoadLocation(cal.Timezone)
		if err != nil {
			return nil, fmt.Errorf("marketclock: load timezone %q for market %q: %w", cal.Timezone, market, err)
		}
		locs[market] = loc
	}
	return &Clock{calendars: merged, locations: locs}, nil
}

func (c *Clock) calendar(market string) (MarketCalendar, bool) {
	cal, ok := c.calendars[normalizeMarket(market)]
	return cal, ok
}

func normalizeMarket(market string) string {
	out := make([]byte, len(market))
	for i := 0; i < len(market); i++ {
		b := market[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

// Now returns the current wall-clock time in the market's local timezone.
func (c *Clock) Now(market string) time.Time {
	cal, ok := c.calendar(market)
	if !ok {
		return time.Now().UTC()
	}
	loc := c.locations[normalizeMarket(market)]
	_ = cal
	return time.Now().In(loc)
}

// DayKey returns the date key ("YYYY-MM-DD") used for calendar lookups.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// dayType classifies t (assumed already in market-local time) for market.
func (c *Clock) dayType(market string, t time.Time) DayType {
	cal, ok := c.calendar(market)
	if !ok {
		return DayNormal
	}
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return DayWeekend
	}
	key := DayKey(t)
	if cal.Holidays[key] {
		return DayHoliday
	}
	if _, half := cal.HalfDays[key]; half {
		return DayHalf
	}
	return DayNormal
}

// IsTradingDay reports whether date is a trading day for market: false on
// weekends and declared holidays, true on normal and half-day dates.
func (c *Clock) IsTradingDay(market string, date time.Time) bool {
	dt := c.dayType(market, date)
	return dt == DayNormal || dt == DayHalf
}

// sessionType returns the trading session in effect for date.
func (c *Clock) sessionType(market string, date time.Time) SessionType {
	cal, _ := c.calendar(market)
	switch c.dayType(market, date) {
	case DayNormal:
		return SessionFullDay
	case DayHalf:
		if st, ok := cal.HalfDays[DayKey(date)]; ok {
			return st
		}
		// Default half-day is "morning only" per spec §4.1.
		return SessionMorningOnly
	default:
		return SessionNone
	}
}

// TradingHours returns the Hours (open, close, optional lunch break) in the
// market's local timezone, selecting the half-day schedule when applicable;
// ok is false for an unknown market or a non-trading day.
func (c *Clock) TradingHours(market string, date time.Time) (hours Hours, ok bool) {
	cal, found := c.calendar(market)
	if !found {
		return Hours{}, false
	}
	switch c.sessionType(market, date) {
	case SessionFullDay:
		return cal.FullDay, true
	case SessionMorningOnly:
		return cal.MorningOnly, true
	case SessionAfternoonOnly:
		return cal.AfternoonOnly, true
	default:
		return Hours{}, false
	}
}

// Status is the derived, non-persisted market status snapshot used by
// PoolInstance.Status() and the /status endpoint.
type Status struct {
	Market     string
	DayType    DayType
	Session    SessionType
	OpenLocal  string
	CloseLocal string
	HasLunch   bool
	LunchStart string
	LunchEnd   string
}

// MarketStatus returns the current derived status for market.
func (c *Clock) MarketStatus(market string) Status {
	return c.marketStatusAt(market, c.Now(market))
}

func (c *Clock) marketStatusAt(market string, now time.Time) Status {
	dt := c.dayType(market, now)
	st := c.sessionType(market, now)
	hours, _ := c.TradingHours(market, now)
	return Status{
		Market:     normalizeMarket(market),
		DayType:    dt,
		Session:    st,
		OpenLocal:  hours.Open,
		CloseLocal: hours.Close,
		HasLunch:   hours.LunchStart != "",
		LunchStart: hours.LunchStart,
		LunchEnd:   hours.LunchEnd,
	}
}

// ShouldStart reports whether now (market-local) is at or past
// open-preMinutes, i.e. the pre-market window has opened. Inclusive at the
// boundary per spec §4.1.
func (c *Clock) ShouldStart(market string, preMinutes int) bool {
	return c.shouldStartAt(market, preMinutes, c.Now(market))
}

func (c *Clock) shouldStartAt(market string, preMinutes int, now time.Time) bool {
	if !c.IsTradingDay(market, now) {
		return false
	}
	hours, ok := c.TradingHours(market, now)
	if !ok {
		return false
	}
	openTime, err := hhmmOn(now, hours.Open)
	if err != nil {
		return false
	}
	preStart := openTime.Add(-time.Duration(preMinutes) * time.Minute)
	return !now.Before(preStart)
}

// ShouldStop reports whether now (market-local) is at or past
// close+postMinutes, or the day is not a trading day at all.
func (c *Clock) ShouldStop(market string, postMinutes int) bool {
	return c.shouldStopAt(market, postMinutes, c.Now(market))
}

func (c *Clock) shouldStopAt(market string, postMinutes int, now time.Time) bool {
	if !c.IsTradingDay(market, now) {
		return true
	}
	hours, ok := c.TradingHours(market, now)
	if !ok {
		return true
	}
	closeTime, err := hhmmOn(now, hours.Close)
	if err != nil {
		return true
	}
	postStop := closeTime.Add(time.Duration(postMinutes) * time.Minute)
	return !now.Before(postStop)
}

// hhmmOn builds a time.Time on the same date/location as ref at the given
// "HH:MM" wall-clock time.
func hhmmOn(ref time.Time, hhmm string) (time.Time, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("marketclock: bad HH:MM %q: %w", hhmm, err)
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), hh, mm, 0, 0, ref.Location()), nil
}
