package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, NormalizeLanguage("hi"), NormalizeLanguage("Hindi"))
	assert.Equal(t, NormalizeLanguage("en"), NormalizeLanguage("ENGLISH"))
	assert.Equal(t, "english", NormalizeLanguage("en"))
	assert.NotEqual(t, NormalizeLanguage("ta"), NormalizeLanguage("te"))
	assert.Equal(t, "", NormalizeLanguage("  "))
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "3D", NormalizeFormat("3d"))
	assert.Equal(t, "3D", NormalizeFormat("3-D"))
	assert.Equal(t, "IMAX3D", NormalizeFormat("imax 3d"))
}

func TestTheatreRank(t *testing.T) {
	theatres := []string{"PVR Phoenix", "INOX Nariman Point"}

	assert.Equal(t, 0, TheatreRank(theatres, "PVR: Phoenix Marketcity, Kurla"))
	assert.Equal(t, 1, TheatreRank(theatres, "INOX: Nariman Point"))
	assert.Equal(t, -1, TheatreRank(theatres, "Cinepolis Andheri"))
	assert.Equal(t, 0, TheatreRank(nil, "anything"))
}

func TestTimeAccepted(t *testing.T) {
	assert.True(t, TimeAccepted(nil, "10:00"))
	assert.True(t, TimeAccepted(Constraint{"21:30"}, "9:30 PM"))
	assert.True(t, TimeAccepted(Constraint{"evening"}, "18:15"))
	assert.False(t, TimeAccepted(Constraint{"evening"}, "10:15"))
	assert.True(t, TimeAccepted(Constraint{"morning", "night"}, "22:00"))
	assert.False(t, TimeAccepted(Constraint{"19:00"}, "19:05"))
}

func TestCriteria_Satisfies(t *testing.T) {
	c := Criteria{
		Theatres: []string{"PVR Phoenix"},
		Preferences: Preferences{
			Formats:   Constraint{"IMAX 3D"},
			Languages: Constraint{"en"},
			Times:     Constraint{"evening"},
			Dates:     Constraint{"2026-10-17"},
		},
	}
	opt := AvailableOption{
		Theatre:  "PVR Phoenix Marketcity",
		Date:     "2026-10-17",
		Language: "English",
		Format:   "imax-3d",
		Times:    []string{"10:00", "18:30", "22:00"},
	}

	assert.True(t, c.SatisfiesAll(opt))
	assert.Equal(t, []string{"18:30"}, c.MatchingTimes(opt))

	otherDay := opt
	otherDay.Date = "2026-10-18"
	assert.False(t, c.Satisfies(DimensionTime, otherDay))

	twoD := opt
	twoD.Format = "2D"
	assert.False(t, c.Satisfies(DimensionFormat, twoD))
	assert.True(t, c.Satisfies(DimensionLanguage, twoD))
}

func TestPreferences_Merge(t *testing.T) {
	base := Preferences{
		Formats:   Constraint{"3D"},
		Languages: Constraint{"Hindi"},
		Times:     Constraint{"evening"},
	}
	formats := Constraint{"2D"}
	empty := Constraint{}

	got := base.Merge(PreferencePatch{Formats: &formats, Screens: &empty})

	assert.Equal(t, Constraint{"2D"}, got.Formats)
	assert.Equal(t, Constraint{"Hindi"}, got.Languages)
	assert.Equal(t, Constraint{"evening"}, got.Times)
	assert.True(t, got.Screens.Empty())
	assert.Equal(t, Constraint{"3D"}, base.Formats)
}

func TestDimension_MismatchType(t *testing.T) {
	assert.Equal(t, MismatchTheatre, DimensionTheatre.MismatchType())
	assert.Equal(t, MismatchFormat, DimensionFormat.MismatchType())
	assert.Equal(t, MismatchUnknown, Dimension("seat").MismatchType())
}
