package sync

import "fmt"

// Phase is the step a (destination, stream) pass is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetchingPending
	PhaseSending
	PhaseAdvancingCursor
	PhaseShrinking
	PhaseBackingOff
	PhaseSkippingItem
	PhaseDone
)

var phaseNames = map[Phase]string{
	PhaseIdle:            "idle",
	PhaseFetchingPending: "fetching_pending",
	PhaseSending:         "sending",
	PhaseAdvancingCursor: "advancing_cursor",
	PhaseShrinking:       "shrinking",
	PhaseBackingOff:      "backing_off",
	PhaseSkippingItem:    "skipping_item",
	PhaseDone:            "done",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// MarshalText lets phases appear by name in JSON status output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}
