// Package crm holds the pipeline entities the notification service works on:
// leads, deals, their reminders, the people they are assigned to, and the
// notification settings singleton.
package crm

import (
	"fmt"
	"strings"
	"time"
)

// Kind tells lead reminders and deal reminders apart.
type Kind string

const (
	KindLead Kind = "lead"
	KindDeal Kind = "deal"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindLead, "leads":
		return KindLead, nil
	case KindDeal, "deals":
		return KindDeal, nil
	}
	return "", fmt.Errorf("unknown reminder kind %q", s)
}

// DealType shapes how a deal reminder is labelled.
type DealType string

const (
	DealPayment DealType = "PAYMENT"
	DealVesting DealType = "VESTING"
	DealReview  DealType = "REVIEW"
	DealOther   DealType = "OTHER"
)

func (t DealType) Label() string {
	switch t {
	case DealPayment:
		return "Payment"
	case DealVesting:
		return "Vesting"
	case DealReview:
		return "Review"
	case DealOther, "":
		return "Other"
	}
	return string(t)
}

func (t DealType) Valid() bool {
	switch t {
	case DealPayment, DealVesting, DealReview, DealOther:
		return true
	}
	return false
}

// Frequency is the repeat interval of a recurring deal reminder.
type Frequency string

const (
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyYearly    Frequency = "YEARLY"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// Next returns the due time one period after t.
func (f Frequency) Next(t time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return t.AddDate(0, 1, 0)
	case FrequencyQuarterly:
		return t.AddDate(0, 3, 0)
	case FrequencyYearly:
		return t.AddDate(1, 0, 0)
	}
	return t
}

// Assignee is the team member a reminder notifies.
type Assignee struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`

	// NotifyOnReminder nil means "never set" and counts as opted in.
	NotifyOnReminder *bool  `json:"notifyOnReminder,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	TelegramChatID   string `json:"telegramChatId,omitempty"`
	MentionID        string `json:"mentionId,omitempty"`
}

// OptedOut is true only when the assignee explicitly turned reminders off.
func (a *Assignee) OptedOut() bool {
	return a != nil && a.NotifyOnReminder != nil && !*a.NotifyOnReminder
}

type Lead struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	AssigneeID string    `json:"assigneeId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Deal struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	AssigneeID string    `json:"assigneeId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Reminder is a due-dated follow-up on a lead or a deal.
// Deal-only fields are zero for lead reminders.
type Reminder struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"type"`
	SubjectID   string    `json:"subjectId"`
	SubjectName string    `json:"subjectName"`
	DueAt       time.Time `json:"dueAt"`
	Note        string    `json:"note,omitempty"`
	Completed   bool      `json:"completed"`
	Notified    LevelSet  `json:"-"`
	Assignee    *Assignee `json:"assignee,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	DealType  DealType  `json:"dealType,omitempty"`
	Recurring bool      `json:"recurring,omitempty"`
	Frequency Frequency `json:"frequency,omitempty"`
}

// Inert reminders are never picked up by dispatch again.
func (r Reminder) Inert() bool { return r.Completed || r.Notified.Full() }

// NotifiedLevels is the JSON view of the notified flags.
func (r Reminder) NotifiedLevels() []Level { return r.Notified.Levels() }
