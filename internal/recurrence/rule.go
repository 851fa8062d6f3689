// Package recurrence evaluates the recurrence rules attached to template tasks.
//
// All dates handled here are calendar dates normalized with Date. The evaluator
// is pure: it never touches the store and never reads the clock.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"daily-planner/internal/model"
)

// ErrInvalidRule marks a template whose rule fields cannot be evaluated.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Rule is the evaluable form of a template's recurrence fields.
type Rule struct {
	Type     model.RecurrenceType
	Interval int
	// Weekday is used by weekly rules and nth-weekday monthly rules.
	Weekday *time.Weekday
	// MonthDay is the target day of monthly-by-date rules; 0 means the anchor's day.
	MonthDay int
	// WeekOfMonth (1-5) switches a monthly rule to "Nth Weekday of the month".
	WeekOfMonth     int
	Anchor          time.Time
	EndDate         *time.Time
	CompletionBased bool
}

// FromTask builds the rule of a template. fallbackAnchor is used when the template has no due date.
func FromTask(t *model.Task, fallbackAnchor time.Time) (Rule, error) {
	if t.Kind() != model.KindTemplate {
		return Rule{}, fmt.Errorf("%w: task %d is a %s, not a template", ErrInvalidRule, t.ID, t.Kind())
	}

	r := Rule{
		Type:            t.RecurrenceType,
		Interval:        t.RecurrenceInterval,
		Anchor:          Date(fallbackAnchor),
		CompletionBased: t.CompletionBased,
	}
	if t.DueDate != nil {
		r.Anchor = StoredDate(*t.DueDate)
	}
	if t.RecurrenceEndDate != nil {
		end := StoredDate(*t.RecurrenceEndDate)
		r.EndDate = &end
	}
	if t.RecurrenceWeekday != nil {
		wd := time.Weekday(*t.RecurrenceWeekday)
		r.Weekday = &wd
	}
	if t.RecurrenceMonthDay != nil {
		r.MonthDay = *t.RecurrenceMonthDay
	}
	if t.RecurrenceWeekOfMonth != nil {
		r.WeekOfMonth = *t.RecurrenceWeekOfMonth
	}

	if err := r.Validate(); err != nil {
		return Rule{}, fmt.Errorf("task %d: %w", t.ID, err)
	}
	return r, nil
}

func (r Rule) Validate() error {
	switch r.Type {
	case model.RecurrenceDaily, model.RecurrenceWeekly, model.RecurrenceMonthly, model.RecurrenceCustom:
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidRule, r.Type)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval %d", ErrInvalidRule, r.Interval)
	}
	if r.Weekday != nil && (*r.Weekday < time.Sunday || *r.Weekday > time.Saturday) {
		return fmt.Errorf("%w: weekday %d", ErrInvalidRule, *r.Weekday)
	}
	if r.MonthDay < 0 || r.MonthDay > 31 {
		return fmt.Errorf("%w: month day %d", ErrInvalidRule, r.MonthDay)
	}
	if r.WeekOfMonth < 0 || r.WeekOfMonth > 5 {
		return fmt.Errorf("%w: week of month %d", ErrInvalidRule, r.WeekOfMonth)
	}
	if r.Type == model.RecurrenceMonthly && r.WeekOfMonth > 0 && r.Weekday == nil {
		return fmt.Errorf("%w: week of month without weekday", ErrInvalidRule)
	}
	return nil
}

// Exhausted reports whether no occurrence can follow after.
func (r Rule) Exhausted(after time.Time) bool {
	return r.EndDate != nil && !Date(after).Before(*r.EndDate)
}

// NextOccurrences lists the occurrences d with after < d <= horizon (and d <= EndDate),
// in increasing order. limit > 0 caps the number of returned dates.
func (r Rule) NextOccurrences(after, horizon time.Time, limit int) []time.Time {
	after, horizon = Date(after), Date(horizon)
	if r.EndDate != nil && horizon.After(*r.EndDate) {
		horizon = *r.EndDate
	}
	if !horizon.After(after) {
		return nil
	}

	switch r.Type {
	case model.RecurrenceWeekly:
		return stride(r.firstWeekly(), 7*r.Interval, after, horizon, limit)
	case model.RecurrenceMonthly:
		return r.monthly(after, horizon, limit)
	default:
		// custom shares the daily arithmetic.
		return stride(r.Anchor, r.Interval, after, horizon, limit)
	}
}

// NextAnchored returns the single occurrence that follows a completion or skip on anchor.
// It moves exactly one interval from the anchor's date and ignores weekday and month-day fields.
func (r Rule) NextAnchored(anchor time.Time) (time.Time, bool) {
	return r.NextAnchoredAfter(anchor, anchor)
}

// NextAnchoredAfter is NextAnchored moved forward by whole intervals until it falls
// strictly after floor, the due date of the occurrence that was resolved.
func (r Rule) NextAnchoredAfter(anchor, floor time.Time) (time.Time, bool) {
	base, floor := Date(anchor), Date(floor)
	for k := 1; ; k++ {
		next := r.shift(base, k)
		if r.EndDate != nil && next.After(*r.EndDate) {
			return time.Time{}, false
		}
		if next.After(floor) {
			return next, true
		}
	}
}

// shift moves base by k intervals of the rule's unit.
func (r Rule) shift(base time.Time, k int) time.Time {
	switch r.Type {
	case model.RecurrenceWeekly:
		return base.AddDate(0, 0, 7*r.Interval*k)
	case model.RecurrenceMonthly:
		return addMonthsClamped(base, r.Interval*k, base.Day())
	default:
		return base.AddDate(0, 0, r.Interval*k)
	}
}

func (r Rule) firstWeekly() time.Time {
	if r.Weekday == nil {
		return r.Anchor
	}
	shift := (int(*r.Weekday) - int(r.Anchor.Weekday()) + 7) % 7
	return r.Anchor.AddDate(0, 0, shift)
}

func stride(start time.Time, step int, after, horizon time.Time, limit int) []time.Time {
	k := 0
	if !after.Before(start) {
		k = daysBetween(start, after)/step + 1
	}

	var out []time.Time
	for d := start.AddDate(0, 0, k*step); !d.After(horizon); d = d.AddDate(0, 0, step) {
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r Rule) monthly(after, horizon time.Time, limit int) []time.Time {
	k := 0
	if after.After(r.Anchor) {
		k = monthsBetween(r.Anchor, after) / r.Interval
	}

	var out []time.Time
	for ; ; k++ {
		first := time.Date(r.Anchor.Year(), r.Anchor.Month()+time.Month(k*r.Interval), 1, 0, 0, 0, 0, time.UTC)
		if first.After(horizon) {
			break
		}
		d, ok := r.dayIn(first.Year(), first.Month())
		if !ok || d.Before(r.Anchor) || !d.After(after) {
			continue
		}
		if d.After(horizon) {
			break
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// dayIn resolves the occurrence inside one month; ok is false when the month has none.
func (r Rule) dayIn(year int, month time.Month) (time.Time, bool) {
	if r.WeekOfMonth > 0 && r.Weekday != nil {
		first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		offset := (int(*r.Weekday) - int(first.Weekday()) + 7) % 7
		day := 1 + offset + (r.WeekOfMonth-1)*7
		if day > daysInMonth(year, month) {
			return time.Time{}, false
		}
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
	}

	day := r.MonthDay
	if day == 0 {
		day = r.Anchor.Day()
	}
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
}
