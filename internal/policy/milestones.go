package policy

import (
	"strings"

	"github.com/vantico/deskpilot/api/schemas"
	"github.com/vantico/deskpilot/internal/session"
)

// Milestone names recorded on the session as dispatched actions accumulate.
// They are advisory: prompts surface them so the model does not redo finished
// ground work, but no rule hard-depends on them.
const (
	MilestoneInputFocused     = "input_focused"
	MilestoneContentTyped     = "content_typed"
	MilestoneContentSubmitted = "content_submitted"
	MilestoneAppSwitched      = "app_switched"
	MilestoneURLOpened        = "url_opened"
)

var submitKeys = map[string]bool{
	"enter":  true,
	"return": true,
}

// RecordMilestones updates the session's milestone set for a dispatched
// action. Setting a milestone twice is a no-op.
func RecordMilestones(s *session.Session, a schemas.Action) {
	if s.Milestones == nil {
		s.Milestones = make(map[string]bool)
	}
	if schemas.IsAppSwitch(a) {
		s.Milestones[MilestoneAppSwitched] = true
		return
	}
	switch act := a.(type) {
	case schemas.Navigate:
		s.Milestones[MilestoneURLOpened] = true
	case schemas.ClickDescription:
		if inputLikeTarget.MatchString(act.Target) {
			s.Milestones[MilestoneInputFocused] = true
		}
	case schemas.TypeText:
		s.Milestones[MilestoneContentTyped] = true
	case schemas.PressKey:
		if submitKeys[strings.ToLower(strings.TrimSpace(act.Key))] && s.Milestones[MilestoneContentTyped] {
			s.Milestones[MilestoneContentSubmitted] = true
		}
	}
}
