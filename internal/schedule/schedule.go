package schedule

import "time"

// Kind classifies an attendance event by the window it falls in.
type Kind string

const (
	KindNone  Kind = ""
	KindEntry Kind = "masuk"
	KindExit  Kind = "pulang"
)

// Schedule is the active attendance window configuration for a role.
// All fields are wall-clock times formatted HH:MM:SS with no date part.
type Schedule struct {
	EntryStart string `json:"jam_masuk"`
	EntryEnd   string `json:"batas_jam_masuk"`
	ExitStart  string `json:"jam_pulang"`
	ExitEnd    string `json:"batas_jam_pulang"`
}

// Complete reports whether every window boundary is present. A schedule
// with any missing field is treated as no active window at all.
func (s Schedule) Complete() bool {
	return s.EntryStart != "" && s.EntryEnd != "" && s.ExitStart != "" && s.ExitEnd != ""
}

// Decision is the result of classifying "now" against a schedule.
type Decision struct {
	Valid bool
	Kind  Kind
}

// Classify compares now's time of day against the entry and exit windows.
// Windows are compared as HH:MM:SS strings, which order correctly for
// zero-padded 24h times. The entry window is checked first; if both
// windows would match, entry wins.
func Classify(s *Schedule, now time.Time) Decision {
	if s == nil || !s.Complete() {
		return Decision{}
	}

	current := now.Format("15:04:05")

	if current >= s.EntryStart && current <= s.EntryEnd {
		return Decision{Valid: true, Kind: KindEntry}
	}
	if current >= s.ExitStart && current <= s.ExitEnd {
		return Decision{Valid: true, Kind: KindExit}
	}
	return Decision{}
}
