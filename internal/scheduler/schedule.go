package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind tells cron expressions and fixed intervals apart.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Schedule is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/1 * * * *", "0 9 * * 1-5", "@hourly", "@every 1m"
//   - duration: "1m", "2h30m"
//   - HH:MM interval: "00:05" is every five minutes
//
// "cron:" forces cron parsing; "interval:" or "every:" forces interval parsing.
type Schedule struct {
	Kind  Kind
	Expr  string
	Every time.Duration
	// Source is "cron", "duration" or "hhmm".
	Source string
}

// Spec is the robfig/cron form of the schedule.
func (s Schedule) Spec() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Expr
}

var hhmmPattern = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts 5 or 6 fields plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse reads raw into a Schedule and checks cron expressions for syntax.
func Parse(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSchedule(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return intervalSchedule(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSchedule(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronSchedule(s)
	}

	if sch, err := intervalSchedule(s); err == nil {
		return sch, nil
	}
	return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/1 * * * *', HH:MM like '00:05', or a duration like '1m')", raw)
}

func cronSchedule(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: expr, Source: "cron"}, nil
}

func intervalSchedule(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var (
		d   time.Duration
		err error
	)
	if hhmmPattern.MatchString(v) {
		src = "hhmm"
		d, err = hhmmInterval(v)
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Kind: KindInterval, Every: d, Source: src}, nil
}

// hhmmInterval reads "HHH:MM" as hours and minutes.
func hhmmInterval(v string) (time.Duration, error) {
	m := hhmmPattern.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("want HH:MM")
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("minutes out of range")
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
