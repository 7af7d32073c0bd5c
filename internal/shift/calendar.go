// Package shift resolves wall-clock time into shift identity: which shift is
// running, which slot of that shift, and which date its tasks are filed under.
package shift

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Name is the shift kind.
type Name string

const (
	Day   Name = "day"
	Night Name = "night"
)

// ParseName accepts "day"/"night" in any case.
func ParseName(s string) (Name, error) {
	switch Name(strings.ToLower(strings.TrimSpace(s))) {
	case Day:
		return Day, nil
	case Night:
		return Night, nil
	default:
		return "", fmt.Errorf("unknown shift %q", s)
	}
}

// SlotRange maps [Start, End) wall-clock minutes to a slot number.
// End may be "24:00".
type SlotRange struct {
	Start string
	End   string
	Slot  int
}

type Config struct {
	// DayStart and NightStart are the hours the shifts begin (default 8 and 20).
	DayStart   int
	NightStart int
	Slots      map[Name][]SlotRange
	Location   *time.Location
}

// DefaultSlots is the slot table used when none is configured.
func DefaultSlots() map[Name][]SlotRange {
	return map[Name][]SlotRange{
		Day: {
			{Start: "08:00", End: "10:30", Slot: 1},
			{Start: "10:30", End: "13:30", Slot: 2},
			{Start: "13:30", End: "16:30", Slot: 3},
			{Start: "16:30", End: "20:00", Slot: 4},
		},
		Night: {
			{Start: "20:00", End: "24:00", Slot: 5},
			{Start: "00:00", End: "03:00", Slot: 6},
			{Start: "03:00", End: "05:00", Slot: 7},
			{Start: "05:00", End: "08:00", Slot: 8},
		},
	}
}

type span struct {
	from, to int // minutes of day
	slot     int
}

// Calendar is immutable once built.
type Calendar struct {
	dayStart   int
	nightStart int
	loc        *time.Location
	slots      map[Name][]span
}

// Identity is the shift a moment belongs to.
type Identity struct {
	Shift Name
	Date  time.Time // midnight in the calendar location
	Slot  int
	// HasSlot is false when the moment is outside every configured range.
	HasSlot bool
}

// DateKey renders Date as YYYY-MM-DD.
func (id Identity) DateKey() string { return DateKey(id.Date) }

// DateKey renders t as YYYY-MM-DD.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }

func New(cfg Config) (*Calendar, error) {
	if cfg.DayStart == 0 && cfg.NightStart == 0 {
		cfg.DayStart, cfg.NightStart = 8, 20
	}
	if cfg.DayStart < 0 || cfg.DayStart > 23 || cfg.NightStart < 0 || cfg.NightStart > 23 || cfg.DayStart >= cfg.NightStart {
		return nil, fmt.Errorf("invalid shift hours day=%d night=%d", cfg.DayStart, cfg.NightStart)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	table := cfg.Slots
	if len(table) == 0 {
		table = DefaultSlots()
	}

	c := &Calendar{
		dayStart:   cfg.DayStart,
		nightStart: cfg.NightStart,
		loc:        cfg.Location,
		slots:      make(map[Name][]span, len(table)),
	}
	for name, ranges := range table {
		if _, err := ParseName(string(name)); err != nil {
			return nil, err
		}
		spans := make([]span, 0, len(ranges))
		for _, r := range ranges {
			from, err := parseClock(r.Start)
			if err != nil {
				return nil, fmt.Errorf("slot %d start: %w", r.Slot, err)
			}
			to, err := parseClock(r.End)
			if err != nil {
				return nil, fmt.Errorf("slot %d end: %w", r.Slot, err)
			}
			if to <= from {
				return nil, fmt.Errorf("slot %d: end %s not after start %s", r.Slot, r.End, r.Start)
			}
			if r.Slot <= 0 {
				return nil, fmt.Errorf("slot number must be > 0, got %d", r.Slot)
			}
			spans = append(spans, span{from: from, to: to, slot: r.Slot})
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].from < spans[j].from })
		c.slots[name] = spans
	}
	return c, nil
}

// Location is the zone all wall-clock decisions are made in.
func (c *Calendar) Location() *time.Location { return c.loc }

// ShiftAt returns the shift running at t.
func (c *Calendar) ShiftAt(t time.Time) Name {
	h := t.In(c.loc).Hour()
	if h >= c.dayStart && h < c.nightStart {
		return Day
	}
	return Night
}

// SlotAt returns the slot of shift n containing t.
func (c *Calendar) SlotAt(n Name, t time.Time) (int, bool) {
	lt := t.In(c.loc)
	m := lt.Hour()*60 + lt.Minute()
	for _, s := range c.slots[n] {
		if m >= s.from && m < s.to {
			return s.slot, true
		}
	}
	return 0, false
}

// TaskDate is the date tasks of shift n are filed under when looked up at t.
// Night shift tasks carry the date of the morning the shift ends.
func (c *Calendar) TaskDate(n Name, t time.Time) time.Time {
	lt := t.In(c.loc)
	d := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	if n == Night && lt.Hour() >= c.dayStart {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// At resolves the full identity of the running shift at t.
func (c *Calendar) At(t time.Time) Identity {
	n := c.ShiftAt(t)
	return c.For(n, t)
}

// For resolves the identity of shift n at t, regardless of which shift is
// actually running.
func (c *Calendar) For(n Name, t time.Time) Identity {
	slot, ok := c.SlotAt(n, t)
	return Identity{Shift: n, Date: c.TaskDate(n, t), Slot: slot, HasSlot: ok}
}

func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
