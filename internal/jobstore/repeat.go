package jobstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts 5-field specs, an optional leading seconds field and
// descriptors such as @daily.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Repeat describes a recurring registration.
type Repeat struct {
	Cron     string
	Timezone string // IANA name; empty means UTC
	StartAt  *time.Time
	EndAt    *time.Time
}

// Location resolves the repeat's timezone.
func (r Repeat) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidRepeat, tz, err)
	}
	return loc, nil
}

// Spec returns the cron expression prefixed with its timezone.
func (r Repeat) Spec() string {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	return "CRON_TZ=" + tz + " " + strings.TrimSpace(r.Cron)
}

// Schedule validates r and returns a schedule that only fires inside
// [StartAt, EndAt].
func (r Repeat) Schedule() (cron.Schedule, error) {
	if strings.TrimSpace(r.Cron) == "" {
		return nil, fmt.Errorf("%w: cron is required", ErrInvalidRepeat)
	}
	if strings.HasPrefix(strings.TrimSpace(r.Cron), "TZ=") || strings.HasPrefix(strings.TrimSpace(r.Cron), "CRON_TZ=") {
		return nil, fmt.Errorf("%w: set the timezone separately", ErrInvalidRepeat)
	}
	if _, err := r.Location(); err != nil {
		return nil, err
	}
	if r.StartAt != nil && r.EndAt != nil && r.EndAt.Before(*r.StartAt) {
		return nil, fmt.Errorf("%w: endAt before startAt", ErrInvalidRepeat)
	}
	s, err := Parser.Parse(r.Spec())
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidRepeat, r.Cron, err)
	}
	return Bounded(s, r.StartAt, r.EndAt), nil
}

// Within reports whether t falls inside the repeat's bounds.
func (r Repeat) Within(t time.Time) bool {
	if r.StartAt != nil && t.Before(*r.StartAt) {
		return false
	}
	if r.EndAt != nil && t.After(*r.EndAt) {
		return false
	}
	return true
}

// Next previews up to n upcoming fire times after from.
func (r Repeat) Next(from time.Time, n int) ([]time.Time, error) {
	s, err := r.Schedule()
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	for t := from; len(out) < n; {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Key derives the repeat job key: name:jobID:endAtMillis:tz:cron.
func (r Repeat) Key(name, jobID string) string {
	end := ""
	if r.EndAt != nil {
		end = strconv.FormatInt(r.EndAt.UnixMilli(), 10)
	}
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	return strings.Join([]string{name, jobID, end, tz, strings.TrimSpace(r.Cron)}, ":")
}

// Bounded wraps s so it never fires before start or after end.
// A zero Next time tells cron the entry is exhausted.
func Bounded(s cron.Schedule, start, end *time.Time) cron.Schedule {
	if start == nil && end == nil {
		return s
	}
	return boundedSchedule{inner: s, start: start, end: end}
}

type boundedSchedule struct {
	inner      cron.Schedule
	start, end *time.Time
}

func (b boundedSchedule) Next(t time.Time) time.Time {
	if b.start != nil && t.Before(*b.start) {
		// Next is strictly after t; step back so start itself can fire.
		t = b.start.Add(-time.Nanosecond)
	}
	n := b.inner.Next(t)
	if n.IsZero() || (b.end != nil && n.After(*b.end)) {
		return time.Time{}
	}
	return n
}
