package marketclock

import (
	"testing"
	"time"
)

func TestIsTradingDay_WeekendFalse(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Asia/Hong_Kong")
	sat := time.Date(2026, 8, 1, 10, 0, 0, 0, loc) // a Saturday
	if c.IsTradingDay("hk", sat) {
		t.Fatal("expected weekend to not be a trading day")
	}
}

func TestIsTradingDay_HalfDayTrue(t *testing.T) {
	cal := defaultCalendars["hk"]
	cal.HalfDays = map[string]SessionType{"2026-12-24": SessionMorningOnly}
	c, err := NewWithCalendars(map[string]MarketCalendar{"hk": cal})
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Asia/Hong_Kong")
	xmasEve := time.Date(2026, 12, 24, 10, 0, 0, 0, loc)
	if !c.IsTradingDay("hk", xmasEve) {
		t.Fatal("expected half-day to be a trading day")
	}
	hours, ok := c.TradingHours("hk", xmasEve)
	if !ok {
		t.Fatal("expected trading hours for half day")
	}
	if hours.Close != "12:00" {
		t.Fatalf("expected half-day close 12:00, got %s", hours.Close)
	}
}

func TestShouldStartShouldStop(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Asia/Hong_Kong")

	// A normal Monday.
	mon := time.Date(2026, 8, 3, 9, 0, 0, 0, loc)
	_ = mon

	// should_start: at exactly open - pre_minutes the window is open (inclusive)
	st := c.sessionType("hk", mon)
	if st != SessionFullDay {
		t.Fatalf("expected full day session, got %s", st)
	}
	// Open is 09:30, so pre_minutes=30 opens the window at exactly 09:00.
	if !c.shouldStartAt("hk", 30, mon) {
		t.Fatal("expected should-start true at open - pre_minutes")
	}
	// Close is 16:15, so post_minutes=30 puts the stop boundary at 16:45.
	if c.shouldStopAt("hk", 30, mon) {
		t.Fatal("expected should-stop false at 09:00 on a trading day")
	}
}

func TestShouldStop_NonTradingDayAlwaysStops(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Asia/Hong_Kong")
	sun := time.Date(2026, 8, 2, 10, 0, 0, 0, loc)
	if !c.shouldStopAt("hk", 30, sun) {
		t.Fatal("expected should-stop true on a non-trading day")
	}
}

func TestShouldStart_InclusiveBoundary(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Asia/Hong_Kong")
	// Open is 09:30; pre_minutes=30 means the window opens at 09:00.
	atBoundary := time.Date(2026, 8, 3, 9, 0, 0, 0, loc) // Monday
	if !c.shouldStartAt("hk", 30, atBoundary) {
		t.Fatal("expected should-start true exactly at the pre-market boundary")
	}
	beforeBoundary := time.Date(2026, 8, 3, 8, 59, 0, 0, loc)
	if c.shouldStartAt("hk", 30, beforeBoundary) {
		t.Fatal("expected should-start false before the pre-market boundary")
	}
}

func TestShouldStop_PostWindow(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Asia/Hong_Kong")
	// Close is 16:15; post_minutes=30 means the stop boundary is 16:45.
	before := time.Date(2026, 8, 3, 16, 44, 0, 0, loc)
	if c.shouldStopAt("hk", 30, before) {
		t.Fatal("expected should-stop false before the post-market boundary")
	}
	atBoundary := time.Date(2026, 8, 3, 16, 45, 0, 0, loc)
	if !c.shouldStopAt("hk", 30, atBoundary) {
		t.Fatal("expected should-stop true at the post-market boundary")
	}
}

func TestNormalizeMarket(t *testing.T) {
	if normalizeMarket("HK") != "hk" {
		t.Fatal("expected case-insensitive normalization")
	}
}
