package jobs

// Match is the showtime a watch attempt settled on.
type Match struct {
	Option   AvailableOption
	Showtime string
}

// FindMatch walks theatres in priority order and returns the first option
// that satisfies every dimension, with its earliest accepted showtime.
func (c Criteria) FindMatch(options []AvailableOption) (Match, bool) {
	var (
		best     Match
		bestRank = -1
	)
	for _, opt := range options {
		rank := TheatreRank(c.Theatres, opt.Theatre)
		if rank < 0 {
			continue
		}
		if bestRank >= 0 && rank >= bestRank {
			continue
		}
		if !c.SatisfiesAll(opt) {
			continue
		}
		times := c.MatchingTimes(opt)
		best = Match{Option: opt, Showtime: earliest(times)}
		bestRank = rank
	}
	return best, bestRank >= 0
}

// ClassifyMismatch names the dimension to blame when FindMatch fails. With no
// option at an accepted theatre it is theatre; otherwise it is the first
// dimension in MismatchCheckOrder that no option at an accepted theatre
// satisfies. When each dimension is met by some option but never all at once
// the result is unknown.
func (c Criteria) ClassifyMismatch(options []AvailableOption) MismatchType {
	atTheatre := make([]AvailableOption, 0, len(options))
	for _, opt := range options {
		if c.Satisfies(DimensionTheatre, opt) {
			atTheatre = append(atTheatre, opt)
		}
	}
	if len(atTheatre) == 0 {
		return MismatchTheatre
	}
	for _, d := range MismatchCheckOrder {
		satisfied := false
		for _, opt := range atTheatre {
			if c.Satisfies(d, opt) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return d.MismatchType()
		}
	}
	return MismatchUnknown
}

func earliest(times []string) string {
	var (
		ret    string
		retMin = -1
	)
	for _, t := range times {
		m, ok := ParseClock(t)
		if !ok {
			if ret == "" {
				ret = t
			}
			continue
		}
		if retMin < 0 || m < retMin {
			ret, retMin = t, m
		}
	}
	return ret
}
