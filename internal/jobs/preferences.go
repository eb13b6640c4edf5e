package jobs

import (
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Constraint is the set of acceptable values for one preference dimension.
// An empty constraint accepts anything.
type Constraint []string

func (c Constraint) Empty() bool {
	return len(c) == 0
}

func (c Constraint) allows(value string, norm func(string) string) bool {
	if c.Empty() {
		return true
	}
	want := norm(value)
	for _, v := range c {
		if norm(v) == want {
			return true
		}
	}
	return false
}

// Preferences narrows which showtimes are acceptable.
type Preferences struct {
	Dates     Constraint `json:"dates,omitempty"`
	Times     Constraint `json:"times,omitempty"`
	Formats   Constraint `json:"formats,omitempty"`
	Languages Constraint `json:"languages,omitempty"`
	Screens   Constraint `json:"screens,omitempty"`
}

// PreferencePatch replaces each non-nil dimension.
type PreferencePatch struct {
	Dates     *Constraint `json:"dates,omitempty"`
	Times     *Constraint `json:"times,omitempty"`
	Formats   *Constraint `json:"formats,omitempty"`
	Languages *Constraint `json:"languages,omitempty"`
	Screens   *Constraint `json:"screens,omitempty"`
	// Theatres replaces the job's theatre list when set.
	Theatres *[]string `json:"theatres,omitempty"`
}

func (p Preferences) Merge(patch PreferencePatch) Preferences {
	if patch.Dates != nil {
		p.Dates = slices.Clone(*patch.Dates)
	}
	if patch.Times != nil {
		p.Times = slices.Clone(*patch.Times)
	}
	if patch.Formats != nil {
		p.Formats = slices.Clone(*patch.Formats)
	}
	if patch.Languages != nil {
		p.Languages = slices.Clone(*patch.Languages)
	}
	if patch.Screens != nil {
		p.Screens = slices.Clone(*patch.Screens)
	}
	return p
}

// Dimension is one axis a showtime is checked against.
type Dimension string

const (
	DimensionTheatre  Dimension = "theatre"
	DimensionFormat   Dimension = "format"
	DimensionLanguage Dimension = "language"
	DimensionScreen   Dimension = "screen"
	DimensionTime     Dimension = "time"
)

// MismatchCheckOrder is the order dimensions are blamed in after theatre.
var MismatchCheckOrder = []Dimension{
	DimensionFormat,
	DimensionLanguage,
	DimensionScreen,
	DimensionTime,
}

func (d Dimension) MismatchType() MismatchType {
	switch d {
	case DimensionTheatre:
		return MismatchTheatre
	case DimensionFormat:
		return MismatchFormat
	case DimensionLanguage:
		return MismatchLanguage
	case DimensionScreen:
		return MismatchScreen
	case DimensionTime:
		return MismatchTime
	default:
		return MismatchUnknown
	}
}

// Criteria is everything a showtime option is matched against.
type Criteria struct {
	Theatres    []string
	Preferences Preferences
}

func (j *BookingJob) Criteria() Criteria {
	return Criteria{
		Theatres:    j.Theatres,
		Preferences: j.Preferences,
	}
}

// Satisfies checks a single dimension.
func (c Criteria) Satisfies(d Dimension, opt AvailableOption) bool {
	switch d {
	case DimensionTheatre:
		return AcceptsTheatre(c.Theatres, opt.Theatre)
	case DimensionFormat:
		return c.Preferences.Formats.allows(opt.Format, NormalizeFormat)
	case DimensionLanguage:
		return c.Preferences.Languages.allows(opt.Language, NormalizeLanguage)
	case DimensionScreen:
		return c.Preferences.Screens.allows(opt.Screen, NormalizeScreen)
	case DimensionTime:
		return len(c.MatchingTimes(opt)) > 0
	default:
		return false
	}
}

// SatisfiesAll checks every dimension.
func (c Criteria) SatisfiesAll(opt AvailableOption) bool {
	if !c.Satisfies(DimensionTheatre, opt) {
		return false
	}
	for _, d := range MismatchCheckOrder {
		if !c.Satisfies(d, opt) {
			return false
		}
	}
	return true
}

// MatchingTimes returns the option's showtimes accepted by the date and time
// constraints, in the order the option lists them.
func (c Criteria) MatchingTimes(opt AvailableOption) []string {
	if opt.Date != "" && !c.Preferences.Dates.allows(opt.Date, strings.TrimSpace) {
		return nil
	}
	ret := make([]string, 0, len(opt.Times))
	for _, t := range opt.Times {
		if TimeAccepted(c.Preferences.Times, t) {
			ret = append(ret, t)
		}
	}
	return ret
}

// TheatreRank returns the index of the first accepted theatre that matches
// name, or -1. An empty list accepts every theatre at rank 0.
func TheatreRank(theatres []string, name string) int {
	if len(theatres) == 0 {
		return 0
	}
	got := normalizeTheatre(name)
	if got == "" {
		return -1
	}
	for i, want := range theatres {
		w := normalizeTheatre(want)
		if w == "" {
			continue
		}
		if strings.Contains(got, w) || strings.Contains(w, got) {
			return i
		}
	}
	return -1
}

func AcceptsTheatre(theatres []string, name string) bool {
	return TheatreRank(theatres, name) >= 0
}

// NormalizeFormat folds "3d", "3-D" and "3 D" to "3D".
func NormalizeFormat(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r == ' ' || r == '-' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeLanguage maps codes and English names onto the lower-cased
// English name, so "hi", "hin" and "Hindi" compare equal.
func NormalizeLanguage(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return ""
	}
	if tag, err := language.Parse(v); err == nil {
		if base, conf := tag.Base(); conf != language.No {
			if name := display.English.Languages().Name(base); name != "" {
				return strings.ToLower(name)
			}
		}
	}
	return v
}

func NormalizeScreen(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func normalizeTheatre(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Named time windows accepted in the Times constraint.
var timeWindows = map[string][2]int{
	"morning":   {0, 12 * 60},
	"afternoon": {12 * 60, 17 * 60},
	"evening":   {17 * 60, 21 * 60},
	"night":     {21 * 60, 24 * 60},
}

var clockLayouts = []string{"15:04", "3:04 PM", "3:04PM", "03:04 PM", "03:04PM"}

// ParseClock parses a showtime label into minutes after midnight.
func ParseClock(s string) (int, bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Hour()*60 + t.Minute(), true
		}
	}
	return 0, false
}

// TimeAccepted reports whether showtime satisfies the constraint, which may
// mix exact clock times and named windows.
func TimeAccepted(c Constraint, showtime string) bool {
	if c.Empty() {
		return true
	}
	minutes, ok := ParseClock(showtime)
	for _, want := range c {
		key := strings.ToLower(strings.TrimSpace(want))
		if w, isWindow := timeWindows[key]; isWindow {
			if ok && minutes >= w[0] && minutes < w[1] {
				return true
			}
			continue
		}
		if wantMinutes, parsed := ParseClock(want); parsed && ok {
			if wantMinutes == minutes {
				return true
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(showtime)) {
			return true
		}
	}
	return false
}
