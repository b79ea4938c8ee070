package poll

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeSlot is one proposed meeting time: a start and an optional end.
// Values are normalized to UTC wall-clock instants so that slots built
// locally and slots decoded off the wire compare equal and can key the
// response maps. Immutable once constructed.
type TimeSlot struct {
	Start time.Time
	End   time.Time
}

// NewTimeSlot creates a slot with no end time.
func NewTimeSlot(start time.Time) TimeSlot {
	return TimeSlot{Start: normalize(start)}
}

// NewTimeSlotRange creates a slot with an explicit end time.
func NewTimeSlotRange(start, end time.Time) TimeSlot {
	return TimeSlot{Start: normalize(start), End: normalize(end)}
}

func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Round(0)
}

// HasEnd reports whether the slot carries an end time.
func (ts TimeSlot) HasEnd() bool {
	return !ts.End.IsZero()
}

// Before orders slots by start time; slots sharing a start are equal in
// the ordering regardless of end.
func (ts TimeSlot) Before(other TimeSlot) bool {
	return ts.Start.Before(other.Start)
}

// Equal compares both start and end.
func (ts TimeSlot) Equal(other TimeSlot) bool {
	return ts.Start.Equal(other.Start) && ts.End.Equal(other.End)
}

// MarshalText renders the slot as an RFC 3339 instant, or an interval
// "start/end" when an end is present. This form also keys the JSON
// encoding of response maps.
func (ts TimeSlot) MarshalText() ([]byte, error) {
	if ts.Start.IsZero() {
		return nil, fmt.Errorf("time slot has no start")
	}
	s := ts.Start.Format(time.RFC3339Nano)
	if ts.HasEnd() {
		s += "/" + ts.End.Format(time.RFC3339Nano)
	}
	return []byte(s), nil
}

// UnmarshalText parses the MarshalText form.
func (ts *TimeSlot) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), "/", 2)

	start, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return fmt.Errorf("parsing slot start: %w", err)
	}
	ts.Start = normalize(start)
	ts.End = time.Time{}

	if len(parts) == 2 {
		end, err := time.Parse(time.RFC3339Nano, parts[1])
		if err != nil {
			return fmt.Errorf("parsing slot end: %w", err)
		}
		ts.End = normalize(end)
	}
	return nil
}

// DayString renders the slot's date.
func (ts TimeSlot) DayString() string {
	return ts.Start.Format("01/02/2006")
}

// TimeString renders the slot's time of day, with the end when present.
func (ts TimeSlot) TimeString() string {
	s := ts.Start.Format("15:04")
	if ts.HasEnd() {
		s += "-" + ts.End.Format("15:04")
	}
	return s
}

func (ts TimeSlot) String() string {
	return ts.DayString() + " " + ts.TimeString()
}

// ParseTimeSlot builds a slot from a day and a console time expression:
// "9", "9:30", or a range like "9-10:30".
func ParseTimeSlot(day time.Time, expr string) (TimeSlot, error) {
	if strings.Contains(expr, "-") {
		parts := strings.SplitN(expr, "-", 2)
		start, err := parseTimeOfDay(day, parts[0])
		if err != nil {
			return TimeSlot{}, err
		}
		end, err := parseTimeOfDay(day, parts[1])
		if err != nil {
			return TimeSlot{}, err
		}
		return NewTimeSlotRange(start, end), nil
	}

	start, err := parseTimeOfDay(day, expr)
	if err != nil {
		return TimeSlot{}, err
	}
	return NewTimeSlot(start), nil
}

func parseTimeOfDay(day time.Time, expr string) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	hourStr, minuteStr, hasMinute := strings.Cut(expr, ":")

	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid hour %q: %w", expr, err)
	}

	minute := 0
	if hasMinute {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid minute %q: %w", expr, err)
		}
	}

	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("time of day %q out of range", expr)
	}

	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), nil
}
