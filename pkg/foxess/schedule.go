package foxess

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultMinSocOnGrid is the floor applied when synthesizing a period and no
// better value is known.
const DefaultMinSocOnGrid = 10

// IntBool is a bool the cloud carries as 0/1.
type IntBool bool

func (b IntBool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (b *IntBool) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "0", "false", "null":
		*b = false
	default:
		*b = true
	}
	return nil
}

// SchedulePeriod is one time-of-day interval in the inverter's scheduler.
// Hours are 0..23 and minutes 0..59; a period whose start equals its end is
// a placeholder the cloud uses as a structural filler. JSON tags match the
// scheduler wire format.
type SchedulePeriod struct {
	Enable      IntBool  `json:"enable"`
	StartHour   int      `json:"startHour"`
	StartMinute int      `json:"startMinute"`
	EndHour     int      `json:"endHour"`
	EndMinute   int      `json:"endMinute"`
	WorkMode    WorkMode `json:"workMode"`

	// MinSoc and MinSocOnGrid ride as top-level keys on scheduler writes.
	// Nil means the cloud did not report them and a write will not send them.
	MinSoc       *int `json:"minSoc,omitempty"`
	MinSocOnGrid *int `json:"minSocOnGrid,omitempty"`

	// Extra preserves every key this client does not model (extraParam,
	// fdSoc, fdPwr, ...) byte for byte, so writing a period back never
	// resets fields the cloud defaulted in.
	Extra map[string]json.RawMessage `json:"-"`
}

// schedulePeriodAlias drops the custom JSON methods for nested use.
type schedulePeriodAlias SchedulePeriod

var schedulePeriodKnownKeys = []string{
	"enable", "startHour", "startMinute", "endHour", "endMinute",
	"workMode", "minSoc", "minSocOnGrid",
}

func (p *SchedulePeriod) UnmarshalJSON(data []byte) error {
	var a schedulePeriodAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range schedulePeriodKnownKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}
	a.Extra = all
	*p = SchedulePeriod(a)
	return nil
}

func (p SchedulePeriod) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(schedulePeriodAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(base, &all); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, known := all[k]; !known {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// IsPlaceholder reports whether the period is a zero-duration filler. Both
// the hour and the minute must match; 09:00 to 09:30 is a real period.
func (p SchedulePeriod) IsPlaceholder() bool {
	return p.StartHour == p.EndHour && p.StartMinute == p.EndMinute
}

func (p SchedulePeriod) startMinutes() int { return p.StartHour*60 + p.StartMinute }
func (p SchedulePeriod) endMinutes() int   { return p.EndHour*60 + p.EndMinute }

// Covers reports whether the period covers the wall-clock time t. A period
// whose end is before its start spans midnight and covers both sides of it.
func (p SchedulePeriod) Covers(t time.Time) bool {
	now := t.Hour()*60 + t.Minute()
	start, end := p.startMinutes(), p.endMinutes()
	if end < start {
		return now >= start || now <= end
	}
	return start <= now && now <= end
}

// GridFloor returns the period's minimum SoC on grid, falling back to the
// nested extraParam object some firmware generations use.
func (p SchedulePeriod) GridFloor() (int, bool) {
	if p.MinSocOnGrid != nil {
		return *p.MinSocOnGrid, true
	}
	if raw, ok := p.Extra["extraParam"]; ok {
		var ep struct {
			MinSocOnGrid *int `json:"minSocOnGrid"`
		}
		if err := json.Unmarshal(raw, &ep); err == nil && ep.MinSocOnGrid != nil {
			return *ep.MinSocOnGrid, true
		}
	}
	return 0, false
}

// Schedule is the scheduler state as the cloud reports it: the master enable
// flag and the verbatim period list, placeholders included.
type Schedule struct {
	Enable  IntBool          `json:"enable"`
	Periods []SchedulePeriod `json:"groups"`
}

// ActivePeriods returns the periods with placeholders dropped. This is the
// view surfaced to callers; the verbatim list stays available for writes.
func (s Schedule) ActivePeriods() []SchedulePeriod {
	return FilterPlaceholders(s.Periods)
}

// FilterPlaceholders drops zero-duration filler periods.
func FilterPlaceholders(periods []SchedulePeriod) []SchedulePeriod {
	out := make([]SchedulePeriod, 0, len(periods))
	for _, p := range periods {
		if !p.IsPlaceholder() {
			out = append(out, p)
		}
	}
	return out
}

// FindCurrentPeriodIndex returns the index of the first period covering t,
// in list order. Overlaps are legal; the first match wins. The second return
// is false when no period covers t, which is a normal outcome the caller
// must handle.
func FindCurrentPeriodIndex(periods []SchedulePeriod, t time.Time) (int, bool) {
	for i, p := range periods {
		if p.Covers(t) {
			return i, true
		}
	}
	return 0, false
}

// DefaultPeriod builds the canonical full-day fallback period, 00:00 to
// 23:59. An empty mode defaults to SelfUse. The floor lands in the nested
// extraParam shape the scheduler read endpoint reports.
func DefaultPeriod(mode WorkMode, minSocOnGrid int) SchedulePeriod {
	if mode == "" {
		mode = WorkModeSelfUse
	}
	extra, _ := json.Marshal(map[string]int{"minSocOnGrid": minSocOnGrid})
	return SchedulePeriod{
		Enable:    true,
		EndHour:   23,
		EndMinute: 59,
		WorkMode:  mode,
		Extra:     map[string]json.RawMessage{"extraParam": extra},
	}
}

// MinimalPeriod strips a period down to the fields the scheduler write
// endpoint requires, substituting the vendor defaults for anything unset.
func MinimalPeriod(p SchedulePeriod) SchedulePeriod {
	out := SchedulePeriod{
		Enable:      p.Enable,
		StartHour:   p.StartHour,
		StartMinute: p.StartMinute,
		EndHour:     p.EndHour,
		EndMinute:   p.EndMinute,
		WorkMode:    p.WorkMode,
	}
	if out.WorkMode == "" {
		out.WorkMode = WorkModeSelfUse
	}
	return out
}

// PeriodPatch is a sparse update: nil fields leave the period's value
// untouched. The cloud resets unspecified fields to defaults on a full
// rewrite, so writes always send patched copies of the existing periods
// rather than rebuilding them.
type PeriodPatch struct {
	Enable       *bool
	WorkMode     *WorkMode
	MinSoc       *int
	MinSocOnGrid *int
}

// Apply returns a copy of p with the patch applied. Every field the patch
// does not name is preserved verbatim, unknown wire keys included.
func (patch PeriodPatch) Apply(p SchedulePeriod) SchedulePeriod {
	if patch.Enable != nil {
		p.Enable = IntBool(*patch.Enable)
	}
	if patch.WorkMode != nil {
		p.WorkMode = *patch.WorkMode
	}
	if patch.MinSoc != nil {
		v := *patch.MinSoc
		p.MinSoc = &v
	}
	if patch.MinSocOnGrid != nil {
		v := *patch.MinSocOnGrid
		p.MinSocOnGrid = &v
	}
	return p
}

// PatchPeriods applies patch to every period in the list. When the list is
// empty a full-day default period is synthesized first, so a write is always
// possible on a device with an empty scheduler.
func PatchPeriods(periods []SchedulePeriod, patch PeriodPatch) []SchedulePeriod {
	if len(periods) == 0 {
		base := DefaultPeriod(WorkModeSelfUse, DefaultMinSocOnGrid)
		return []SchedulePeriod{patch.Apply(base)}
	}
	out := make([]SchedulePeriod, len(periods))
	for i, p := range periods {
		out[i] = patch.Apply(p)
	}
	return out
}
