package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Schedule is either a cron expression or a fixed interval. Interval
// schedules use the "@every <duration>" form, e.g. "@every 30m".
type Schedule struct {
	raw      string
	cron     *CronExpr
	interval time.Duration
}

// ParseSchedule parses a schedule string.
func ParseSchedule(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("schedule: empty")
	}

	if after, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(after))
		if err != nil {
			return nil, fmt.Errorf("schedule: interval: %w", err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("schedule: interval %s below 1s", d)
		}
		return &Schedule{raw: raw, interval: d}, nil
	}

	expr, err := ParseCron(raw)
	if err != nil {
		return nil, err
	}
	return &Schedule{raw: raw, cron: expr}, nil
}

// Next returns the first fire time strictly after from.
func (s *Schedule) Next(from time.Time) time.Time {
	if s.interval > 0 {
		return from.Add(s.interval)
	}
	return s.cron.Next(from)
}

// String returns the original schedule text.
func (s *Schedule) String() string { return s.raw }
