package marketclock

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlCalendar mirrors MarketCalendar but with plain-string keys so it maps
// cleanly onto YAML without custom unmarshalers.
type yamlCalendar struct {
	Timezone string `yaml:"timezone"`
	FullDay  struct {
		Open  string `yaml:"open"`
		Close string `yaml:"close"`
		Lunch []string `yaml:"lunch"` // [start, end] or empty
	} `yaml:"full_day"`
	MorningOnly struct {
		Open  string `yaml:"open"`
		Close string `yaml:"close"`
	} `yaml:"morning_only"`
	AfternoonOnly struct {
		Open  string `yaml:"open"`
		Close string `yaml:"close"`
	} `yaml:"afternoon_only"`
	Holidays []string          `yaml:"holidays"`
	HalfDays map[string]string `yaml:"half_days"` // date -> "morning_only" | "afternoon_only"
}

type yamlFile struct {
	Markets map[string]yamlCalendar `yaml:"markets"`
}

// LoadCalendars reads a market calendar table from a YAML file of the form:
//
//	markets:
//	  hk:
//	    timezone: Asia/Hong_Kong
//	    full_day: {open: "09:30", close: "16:15", lunch: ["12:00", "13:00"]}
//	    morning_only: {open: "09:30", close: "12:00"}
//	    afternoon_only: {open: "13:00", close: "16:15"}
//	    holidays: ["2026-01-01"]
//	    half_days: {"2026-12-24": "morning_only"}
//
// This is the external calendar-provider input the spec's Open Questions
// call out as required but out of the core's scope to generate; the core
// only consumes the resulting MarketCalendar map.
func LoadCalendars(path string) (map[string]MarketCalendar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("marketclock: read calendar file: %w", err)
	}
	var f yamlFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("marketclock: parse calendar file: %w", err)
	}

	out := make(map[string]MarketCalendar, len(f.Markets))
	for market, yc := range f.Markets {
		cal := MarketCalendar{
			Timezone:      yc.Timezone,
			FullDay:       Hours{Open: yc.FullDay.Open, Close: yc.FullDay.Close},
			MorningOnly:   Hours{Open: yc.MorningOnly.Open, Close: yc.MorningOnly.Close},
			AfternoonOnly: Hours{Open: yc.AfternoonOnly.Open, Close: yc.AfternoonOnly.Close},
			Holidays:      map[string]bool{},
			HalfDays:      map[string]SessionType{},
		}
		if len(yc.FullDay.Lunch) == 2 {
			cal.FullDay.LunchStart = yc.FullDay.Lunch[0]
			cal.FullDay.LunchEnd = yc.FullDay.Lunch[1]
		}
		for _, d := range yc.Holidays {
			cal.Holidays[d] = true
		}
		for d, session := range yc.HalfDays {
			cal.HalfDays[d] = SessionType(session)
		}
		out[normalizeMarket(market)] = cal
	}
	return out, nil
}
