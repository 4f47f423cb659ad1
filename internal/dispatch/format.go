package dispatch

import (
	"fmt"
	"math"
	"strings"
	"time"

	"crmnotify/internal/crm"
)

const DefaultTimezone = "America/New_York"

const overdueSuffix = " OVERDUE"

// TimeUntil renders the distance from now to due as "45 minutes",
// "3 hours", "2 days" or, for past due times, "2 hours OVERDUE".
// Minutes round half up; the hour and day buckets round the same way.
func TimeUntil(due, now time.Time) string {
	minutes := roundHalfUp(due.Sub(now).Minutes())
	overdue := minutes < 0
	if overdue {
		minutes = -minutes
	}

	var out string
	switch {
	case minutes < 60:
		out = plural(minutes, "minute")
	case minutes < 1440:
		out = plural(roundHalfUp(float64(minutes)/60), "hour")
	default:
		out = plural(roundHalfUp(float64(minutes)/1440), "day")
	}
	if overdue {
		out += overdueSuffix
	}
	return out
}

func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// ResolveLocation picks the zone used for the absolute due time: the
// assignee's zone, then fallback, then nil (plain UTC rendering).
func ResolveLocation(a *crm.Assignee, fallback string) *time.Location {
	if a != nil {
		if loc := loadLocation(a.Timezone); loc != nil {
			return loc
		}
	}
	return loadLocation(fallback)
}

func loadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}

func formatDue(due time.Time, loc *time.Location) string {
	if loc == nil {
		return due.UTC().Format("2006-01-02 15:04") + " UTC"
	}
	return due.In(loc).Format("Mon, Jan 2 2006 3:04 PM MST")
}

// FormatMessage renders the plain-text body shared by every channel.
// Missing optional fields drop their line.
func FormatMessage(r crm.Reminder, timeUntil string, loc *time.Location) string {
	var b strings.Builder

	subject := strings.TrimSpace(r.SubjectName)
	if subject == "" {
		subject = r.SubjectID
	}
	switch r.Kind {
	case crm.KindDeal:
		fmt.Fprintf(&b, "Deal reminder: %s\n", subject)
		fmt.Fprintf(&b, "Type: %s\n", r.DealType.Label())
	default:
		fmt.Fprintf(&b, "Lead reminder: %s\n", subject)
	}

	if strings.HasSuffix(timeUntil, overdueSuffix) {
		fmt.Fprintf(&b, "Due: %s\n", timeUntil)
	} else {
		fmt.Fprintf(&b, "Due in: %s\n", timeUntil)
	}
	if !r.DueAt.IsZero() {
		fmt.Fprintf(&b, "When: %s\n", formatDue(r.DueAt, loc))
	}
	if note := strings.TrimSpace(r.Note); note != "" {
		fmt.Fprintf(&b, "Note: %s\n", note)
	}
	if r.Assignee != nil && strings.TrimSpace(r.Assignee.Name) != "" {
		fmt.Fprintf(&b, "Assigned to: %s\n", strings.TrimSpace(r.Assignee.Name))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Subject is the email subject line.
func Subject(r crm.Reminder, timeUntil string) string {
	name := strings.TrimSpace(r.SubjectName)
	if name == "" {
		name = r.SubjectID
	}
	return fmt.Sprintf("Reminder: %s (%s)", name, timeUntil)
}
