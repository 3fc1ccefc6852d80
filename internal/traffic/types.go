package traffic

import (
	"errors"
	"time"
)

// LightState is the signal state of a whole intersection. Exactly one
// approach (the current phase's) is served while GREEN or YELLOW; ALL_RED is
// the clearance interval between phases.
type LightState string

const (
	StateGreen  LightState = "GREEN"
	StateYellow LightState = "YELLOW"
	StateAllRed LightState = "ALL_RED"
)

// ApproachLight is the light colour shown to a single approach.
type ApproachLight string

const (
	LightRed    ApproachLight = "RED"
	LightYellow ApproachLight = "YELLOW"
	LightGreen  ApproachLight = "GREEN"
)

// MaxTickDelta is the largest time delta (seconds) credited to the timers in
// one tick. Larger gaps (clock jumps, paused process) are clamped, never
// propagated as errors.
const MaxTickDelta = 5.0

// ErrNotFound reports an unknown intersection or approach in a control call.
var ErrNotFound = errors.New("intersection or approach not found")

// IntersectionStatus is the read-only projection of one intersection's
// signal state for presentation collaborators.
type IntersectionStatus struct {
	Phase          string     `json:"phase"`
	ActiveApproach string     `json:"active_approach"`
	State          LightState `json:"state"`
	Timer          float64    `json:"timer"`
	MaxDuration    float64    `json:"max_duration"`
	IsEmergency    bool       `json:"is_emergency"`
}

// ApproachStatus is the read-only projection of one approach's light and
// accumulated demand.
type ApproachStatus struct {
	State                  ApproachLight `json:"state"`
	Demand                 int           `json:"demand"`
	WeightedDemand         float64       `json:"weighted_demand"`
	AmbulanceRequestActive bool          `json:"ambulance_request_active"`
	IsManuallyRed          bool          `json:"is_manually_red"`
}

// TransitionEvent records one signal state change for the event feed.
type TransitionEvent struct {
	ID           string     `json:"id"`
	Intersection string     `json:"intersection"`
	Phase        string     `json:"phase"`
	Approach     string     `json:"approach"`
	From         LightState `json:"from"`
	To           LightState `json:"to"`
	Reason       string     `json:"reason"`
	At           time.Time  `json:"at"`
}
