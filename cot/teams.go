package cot

// Team is one of the closed set of color / codeword group names used by
// TAK clients. Group names that are not part of the set coerce to
// TeamUnknown rather than failing.
type Team string

// The recognized team names.
const (
	TeamCyan      Team = "Cyan"
	TeamYellow    Team = "Yellow"
	TeamRed       Team = "Red"
	TeamGreen     Team = "Green"
	TeamBlue      Team = "Blue"
	TeamOrange    Team = "Orange"
	TeamMagenta   Team = "Magenta"
	TeamWhite     Team = "White"
	TeamMaroon    Team = "Maroon"
	TeamPurple    Team = "Purple"
	TeamDarkBlue  Team = "Dark Blue"
	TeamTeal      Team = "Teal"
	TeamDarkGreen Team = "Dark Green"
	TeamBrown     Team = "Brown"
	TeamUnknown   Team = "UNKNOWN"
)

var allTeams = map[Team]struct{}{
	TeamCyan:      {},
	TeamYellow:    {},
	TeamRed:       {},
	TeamGreen:     {},
	TeamBlue:      {},
	TeamOrange:    {},
	TeamMagenta:   {},
	TeamWhite:     {},
	TeamMaroon:    {},
	TeamPurple:    {},
	TeamDarkBlue:  {},
	TeamTeal:      {},
	TeamDarkGreen: {},
	TeamBrown:     {},
	TeamUnknown:   {},
}

// TeamFromName maps a group name to a Team, coercing unrecognized names
// to TeamUnknown.
func TeamFromName(name string) Team {
	t := Team(name)
	if _, ok := allTeams[t]; ok {
		return t
	}
	return TeamUnknown
}

// String returns the team's wire name.
func (t Team) String() string {
	return string(t)
}

// Valid reports whether t is a member of the closed team set.
func (t Team) Valid() bool {
	_, ok := allTeams[t]
	return ok
}
