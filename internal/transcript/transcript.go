// Package transcript turns an ordered message list into display entries with
// one day separator before the first message of each calendar day.
package transcript

import (
	"time"

	"github.com/p-blackswan/verichat/internal/models"
)

// Entry is either a day separator or a message.
type Entry struct {
	// Day is set on separators: midnight of the day in the display location.
	Day     time.Time
	Message *models.Message
}

// IsSeparator reports whether e marks the start of a day.
func (e Entry) IsSeparator() bool { return e.Message == nil }

// GroupByDay walks msgs once, in the given order, and emits a separator each
// time the calendar day in loc differs from the previous message's. Input
// that is not sorted yields a separator per change of day, not per distinct
// day. A nil loc means time.Local.
func GroupByDay(msgs []models.Message, loc *time.Location) []Entry {
	if loc == nil {
		loc = time.Local
	}
	out := make([]Entry, 0, len(msgs)+1)
	var current time.Time
	for i := range msgs {
		day := startOfDay(msgs[i].CreatedAt, loc)
		if i == 0 || !day.Equal(current) {
			out = append(out, Entry{Day: day})
			current = day
		}
		m := msgs[i]
		out = append(out, Entry{Message: &m})
	}
	return out
}

// DayLabel names day relative to now: "Today", "Yesterday" or a date.
func DayLabel(day, now time.Time) string {
	loc := day.Location()
	today := startOfDay(now, loc)
	d := startOfDay(day, loc)
	switch {
	case d.Equal(today):
		return "Today"
	case d.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case d.Year() == today.Year():
		return d.Format("Mon, Jan 2")
	default:
		return d.Format("Jan 2, 2006")
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
