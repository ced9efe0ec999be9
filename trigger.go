package dispatch

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerDate     TriggerType = "date"
)

// TriggerSpec is the serializable form of a trigger: a type tag plus string
// arguments.
type TriggerSpec struct {
	Type TriggerType       `json:"type"`
	Args map[string]string `json:"args"`
}

// Trigger computes when a job should next run. Implementations are pure and
// work in UTC.
type Trigger interface {
	// NextFireTime returns the earliest fire time strictly after after, or nil
	// when the trigger is exhausted.
	NextFireTime(after time.Time) (*time.Time, error)

	Spec() TriggerSpec

	Description() string
}

// NextFireTime evaluates t in UTC.
func NextFireTime(t Trigger, after time.Time) (*time.Time, error) {
	if t == nil {
		return nil, invalidTrigger("trigger is nil")
	}

	return t.NextFireTime(after.UTC())
}

func ParseTrigger(spec TriggerSpec) (Trigger, error) {
	switch spec.Type {
	case TriggerCron:
		return NewCronTrigger(spec.Args)
	case TriggerInterval:
		return newIntervalTriggerFromArgs(spec.Args)
	case TriggerDate:
		return newDateTriggerFromArgs(spec.Args)
	default:
		return nil, errors.Mark(invalidTrigger("unknown trigger type %q", spec.Type), ErrUnknownTriggerType)
	}
}

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cron fields from most to least significant, with the value a field takes
// when a more significant field is the last one given.
var cronFieldDefaults = []struct {
	name string
	def  string
}{
	{"month", "1"},
	{"day", "1"},
	{"day_of_week", "*"},
	{"hour", "0"},
	{"minute", "0"},
	{"second", "0"},
}

type CronTrigger struct {
	args     map[string]string
	expr     string
	schedule cron.Schedule
}

var _ Trigger = (*CronTrigger)(nil)

// NewCronTrigger builds a cron trigger from named fields (second, minute,
// hour, day, month, day_of_week) or from a five-field crontab line under the
// "expr" key. Fields more significant than the least significant one given
// default to "*", less significant ones to their minimum.
func NewCronTrigger(args map[string]string) (*CronTrigger, error) {
	if len(args) == 0 {
		return nil, invalidTrigger("cron trigger needs at least one field")
	}

	if tz, ok := args["timezone"]; ok && !strings.EqualFold(tz, "UTC") {
		return nil, invalidTrigger("cron trigger only supports UTC, got %q", tz)
	}

	if expr, ok := args["expr"]; ok {
		for key := range args {
			if key != "expr" && key != "timezone" {
				return nil, invalidTrigger("cron field %q cannot be combined with expr", key)
			}
		}

		schedule, err := cron.ParseStandard("CRON_TZ=UTC " + expr)
		if err != nil {
			return nil, invalidTrigger("cron expr %q: %v", expr, err)
		}

		return &CronTrigger{args: maps.Clone(args), expr: expr, schedule: schedule}, nil
	}

	known := make(map[string]bool, len(cronFieldDefaults))
	for _, f := range cronFieldDefaults {
		known[f.name] = true
	}
	for key := range args {
		if !known[key] && key != "timezone" {
			return nil, invalidTrigger("unknown cron field %q", key)
		}
	}

	last := -1
	for i, f := range cronFieldDefaults {
		if _, ok := args[f.name]; ok {
			last = i
		}
	}
	if last < 0 {
		return nil, invalidTrigger("cron trigger needs at least one field")
	}

	values := make(map[string]string, len(cronFieldDefaults))
	for i, f := range cronFieldDefaults {
		v, ok := args[f.name]
		switch {
		case ok:
			if strings.TrimSpace(v) == "" || strings.ContainsAny(v, " \t") {
				return nil, invalidTrigger("cron field %s: %q", f.name, v)
			}
			values[f.name] = v
		case i > last:
			values[f.name] = f.def
		default:
			values[f.name] = "*"
		}
	}

	// robfig order: second minute hour dom month dow
	expr := strings.Join([]string{
		values["second"],
		values["minute"],
		values["hour"],
		values["day"],
		values["month"],
		values["day_of_week"],
	}, " ")

	schedule, err := cronParser.Parse("CRON_TZ=UTC " + expr)
	if err != nil {
		return nil, invalidTrigger("cron fields %v: %v", args, err)
	}

	return &CronTrigger{args: maps.Clone(args), expr: expr, schedule: schedule}, nil
}

func (t *CronTrigger) NextFireTime(after time.Time) (*time.Time, error) {
	if t == nil || t.schedule == nil {
		return nil, invalidTrigger("cron trigger is not initialized")
	}

	next := t.schedule.Next(after.UTC())
	if next.IsZero() {
		return nil, nil
	}

	next = next.UTC()
	return &next, nil
}

func (t *CronTrigger) Spec() TriggerSpec {
	return TriggerSpec{Type: TriggerCron, Args: maps.Clone(t.args)}
}

func (t *CronTrigger) Description() string {
	return fmt.Sprintf("cron[%s]", t.expr)
}

type intervalUnit struct {
	name string
	unit time.Duration
}

var intervalUnits = []intervalUnit{
	{"weeks", 7 * 24 * time.Hour},
	{"days", 24 * time.Hour},
	{"hours", time.Hour},
	{"minutes", time.Minute},
	{"seconds", time.Second},
}

type IntervalTrigger struct {
	period time.Duration
	args   map[string]string
}

var _ Trigger = (*IntervalTrigger)(nil)

func NewIntervalTrigger(period time.Duration) (*IntervalTrigger, error) {
	if period < time.Millisecond {
		return nil, invalidTrigger("interval period must be at least 1ms, got %s", period)
	}

	return &IntervalTrigger{period: period, args: map[string]string{"period": period.String()}}, nil
}

func newIntervalTriggerFromArgs(args map[string]string) (*IntervalTrigger, error) {
	var period time.Duration

	for key, value := range args {
		if key == "period" {
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, invalidTrigger("interval period %q: %v", value, err)
			}
			period += d
			continue
		}

		idx := slices.IndexFunc(intervalUnits, func(u intervalUnit) bool { return u.name == key })
		if idx < 0 {
			return nil, invalidTrigger("unknown interval field %q", key)
		}

		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, invalidTrigger("interval %s %q: %v", key, value, err)
		}
		period += time.Duration(n) * intervalUnits[idx].unit
	}

	if period < time.Millisecond {
		return nil, invalidTrigger("interval period must be at least 1ms, got %s", period)
	}

	return &IntervalTrigger{period: period, args: maps.Clone(args)}, nil
}

func (t *IntervalTrigger) NextFireTime(after time.Time) (*time.Time, error) {
	if t == nil || t.period <= 0 {
		return nil, invalidTrigger("interval period must be positive")
	}

	next := after.UTC().Add(t.period)
	return &next, nil
}

func (t *IntervalTrigger) Period() time.Duration {
	return t.period
}

func (t *IntervalTrigger) Spec() TriggerSpec {
	return TriggerSpec{Type: TriggerInterval, Args: maps.Clone(t.args)}
}

func (t *IntervalTrigger) Description() string {
	return fmt.Sprintf("interval[%s]", t.period)
}

// DateTrigger fires once at a fixed instant, kept at the millisecond
// precision run times are stored with.
type DateTrigger struct {
	at time.Time
}

var _ Trigger = (*DateTrigger)(nil)

func NewDateTrigger(at time.Time) *DateTrigger {
	return &DateTrigger{at: at.UTC().Truncate(time.Millisecond)}
}

func newDateTriggerFromArgs(args map[string]string) (*DateTrigger, error) {
	for key := range args {
		if key != "run_date" {
			return nil, invalidTrigger("unknown date field %q", key)
		}
	}

	value, ok := args["run_date"]
	if !ok {
		return nil, invalidTrigger("date trigger needs run_date")
	}

	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, invalidTrigger("run_date %q: %v", value, err)
	}

	return NewDateTrigger(at), nil
}

func (t *DateTrigger) NextFireTime(after time.Time) (*time.Time, error) {
	if t == nil || t.at.IsZero() {
		return nil, invalidTrigger("date trigger has no run_date")
	}

	if !t.at.After(after) {
		return nil, nil
	}

	at := t.at
	return &at, nil
}

func (t *DateTrigger) Spec() TriggerSpec {
	return TriggerSpec{Type: TriggerDate, Args: map[string]string{"run_date": t.at.Format(time.RFC3339Nano)}}
}

func (t *DateTrigger) Description() string {
	return fmt.Sprintf("date[%s]", t.at.Format(time.RFC3339))
}
