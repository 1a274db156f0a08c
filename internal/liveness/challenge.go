package liveness

import (
	"presence/internal/contentapi"
	"presence/internal/faceengine"
)

// Challenge is one physical action the subject must perform.
type Challenge string

const (
	MouthOpen    Challenge = "mouth_open"
	HeadTurn     Challenge = "head_turn"
	Nod          Challenge = "nod"
	EyebrowRaise Challenge = "eyebrow_raise"
)

// Instruction returns the user-facing prompt for a challenge.
func (c Challenge) Instruction() string {
	switch c {
	case MouthOpen:
		return "Silakan buka mulut Anda lebar-lebar."
	case HeadTurn:
		return "Silakan gerakkan kepala Anda ke kiri dan kanan."
	case Nod:
		return "Silakan anggukkan kepala Anda."
	case EyebrowRaise:
		return "Silakan angkat alis Anda."
	}
	return ""
}

// Thresholds are landmark displacement cutoffs in frame pixels.
type Thresholds struct {
	MouthOpen    float64
	HeadTurn     float64
	Nod          float64
	EyebrowRaise float64
}

// DefaultThresholds returns the production displacement cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MouthOpen:    30,
		HeadTurn:     25,
		Nod:          20,
		EyebrowRaise: 15,
	}
}

// SetForRole returns the challenge set for a subject role. Teachers and
// staff get the eyebrow-raise variant in place of mouth-open.
func SetForRole(role contentapi.Role) []Challenge {
	if role == contentapi.RoleTeacher || role == contentapi.RoleStaff {
		return []Challenge{EyebrowRaise, HeadTurn, Nod}
	}
	return []Challenge{MouthOpen, HeadTurn, Nod}
}

// tracker holds per-challenge displacement state. It is reset whenever a
// new challenge is issued, so each challenge measures from its own start.
type tracker struct {
	started    bool
	startNoseY float64
	maxNoseX   float64
	minNoseX   float64
	startBrowY float64
	done       bool
}

// observe feeds one landmark set to the tracker and reports whether the
// challenge's detector fired. A done tracker never fires again.
func (t *tracker) observe(c Challenge, lm faceengine.Landmarks, th Thresholds) bool {
	if t.done {
		return false
	}

	switch c {
	case MouthOpen:
		if lm.InnerLipBottom.Y-lm.InnerLipTop.Y > th.MouthOpen {
			t.done = true
		}

	case HeadTurn:
		// Track the running horizontal extremes of the nose tip so a turn
		// in either direction counts.
		if !t.started {
			t.started = true
			t.maxNoseX = lm.NoseTip.X
			t.minNoseX = lm.NoseTip.X
			return false
		}
		if lm.NoseTip.X > t.maxNoseX {
			t.maxNoseX = lm.NoseTip.X
		}
		if lm.NoseTip.X < t.minNoseX {
			t.minNoseX = lm.NoseTip.X
		}
		if t.maxNoseX-t.minNoseX > th.HeadTurn {
			t.done = true
		}

	case Nod:
		if !t.started {
			t.started = true
			t.startNoseY = lm.NoseTip.Y
			return false
		}
		d := lm.NoseTip.Y - t.startNoseY
		if d < 0 {
			d = -d
		}
		if d > th.Nod {
			t.done = true
		}

	case EyebrowRaise:
		y := meanBrowY(lm)
		if !t.started {
			t.started = true
			t.startBrowY = y
			return false
		}
		// Raised brows move up, toward smaller y.
		if t.startBrowY-y > th.EyebrowRaise {
			t.done = true
		}
	}

	return t.done
}

func meanBrowY(lm faceengine.Landmarks) float64 {
	if len(lm.Brows) == 0 {
		return 0
	}
	var sum float64
	for _, p := range lm.Brows {
		sum += p.Y
	}
	return sum / float64(len(lm.Brows))
}
