package traffic

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/greenwave/internal/config"
)

// approachRuntime accumulates per-approach demand between phase boundaries
// and carries the emergency and override flags for one approach.
type approachRuntime struct {
	demand         int     // raw vehicle count backlog
	weightedDemand float64 // class-weighted backlog

	// Bookkeeping while the approach is green-active; both are reset when
	// its green+yellow cycle ends.
	lastGreenDetection time.Time // zero when no detection seen this green window
	greenFlow          float64   // peak weighted flow observed this green window

	ambulanceActive bool
	lastAmbulance   time.Time

	overrideRed bool
}

// intersection is the runtime state of one intersection: the phase state
// machine plus its demand, emergency and override tables. All mutation goes
// through the owning Controller, which serializes ingestion and ticks.
type intersection struct {
	cfg config.Intersection
	log *logrus.Entry

	phaseIndex    int
	state         LightState
	stateTimer    float64 // seconds in the current state
	greenTimer    float64 // seconds of green in the current phase
	cycleMaxGreen float64 // max-green ceiling computed at GREEN entry
	lastUpdate    time.Time

	approaches map[string]*approachRuntime

	preemptionActive      bool
	targetPhase           int // -1 when no preemption target
	currentPhaseEmergency bool
}

// transition describes a single state change produced by one tick.
type transition struct {
	from, to LightState
	reason   string
}

func newIntersection(cfg config.Intersection) *intersection {
	x := &intersection{
		cfg:           cfg,
		log:           log.WithField("intersection", cfg.Name),
		state:         StateAllRed,
		cycleMaxGreen: cfg.Timings.BaseMaxGreen,
		approaches:    make(map[string]*approachRuntime, len(cfg.Phases)),
		targetPhase:   -1,
	}
	for _, p := range cfg.Phases {
		x.approaches[p.Approach()] = &approachRuntime{}
	}
	return x
}

// currentApproach returns the approach served by the current phase.
func (x *intersection) currentApproach() string {
	return x.cfg.Phases[x.phaseIndex].Approach()
}

func (x *intersection) manages(approach string) bool {
	_, ok := x.approaches[approach]
	return ok
}

// expireAmbulanceRequests clears emergency flags that have not been
// refreshed within the configured timeout. Runs before any other tick logic.
func (x *intersection) expireAmbulanceRequests(now time.Time) {
	timeout := x.cfg.Timings.AmbulanceRequestTimeout
	for name, ar := range x.approaches {
		if ar.ambulanceActive && now.Sub(ar.lastAmbulance).Seconds() > timeout {
			x.log.Infof("ambulance request for %q timed out", name)
			ar.ambulanceActive = false
		}
	}
}

// preemptionCandidate returns the index of the first phase (in configured
// order, which is the tie-break) whose approach has an active emergency
// request, is not manually overridden red, and is not already being served
// as the current emergency phase. Returns -1 when none qualifies.
func (x *intersection) preemptionCandidate() int {
	for i, p := range x.cfg.Phases {
		ar := x.approaches[p.Approach()]
		if ar.overrideRed || !ar.ambulanceActive {
			continue
		}
		servingIt := x.state == StateGreen && x.phaseIndex == i && x.currentPhaseEmergency
		if !servingIt {
			return i
		}
	}
	return -1
}

// advance runs one tick of the phase state machine. It returns the state
// change made this tick, or nil.
func (x *intersection) advance(now time.Time) *transition {
	timings := x.cfg.Timings

	delta := 0.0
	if !x.lastUpdate.IsZero() {
		delta = now.Sub(x.lastUpdate).Seconds()
	}
	if delta < 0 {
		delta = 0
	}
	if delta > MaxTickDelta {
		x.log.Warnf("large tick delta %.1fs, clamping to %.1fs", delta, MaxTickDelta)
		delta = MaxTickDelta
	}
	x.stateTimer += delta
	if x.state == StateGreen {
		x.greenTimer += delta
	}

	x.expireAmbulanceRequests(now)

	var next LightState
	var reason string

	if !x.preemptionActive {
		if target := x.preemptionCandidate(); target >= 0 {
			x.preemptionActive = true
			x.targetPhase = target
			x.currentPhaseEmergency = false
			targetPhase := x.cfg.Phases[target]
			x.log.Infof("emergency preemption activated for phase %q (%s)", targetPhase.Name, targetPhase.Approach())
			// Cut an ordinary green short; the target is served after the
			// usual yellow and all-red clearance.
			if x.state == StateGreen && x.phaseIndex != target {
				next = StateYellow
				reason = fmt.Sprintf("emergency preemption for %q", targetPhase.Approach())
			}
		}
	}

	// The approach of the phase active when the tick began; YELLOW→ALL_RED
	// cleanup below must refer to it even after the index changes.
	entryApproach := x.currentApproach()

	if next == "" {
		switch x.state {
		case StateGreen:
			ar := x.approaches[entryApproach]
			switch {
			case ar.overrideRed:
				// Never hold green on a forced-red approach, regardless of
				// elapsed green time.
				next = StateYellow
				reason = fmt.Sprintf("approach %q manually forced red", entryApproach)

			case x.currentPhaseEmergency:
				if x.greenTimer >= timings.EmergencyGreen {
					next = StateYellow
					reason = fmt.Sprintf("emergency green (%.1fs) finished", timings.EmergencyGreen)
				}

			default:
				// Flow-based extension: one max-green increment per observed
				// flow burst, re-armable after the capture resets.
				if ar.greenFlow >= timings.RealtimeFlowMinWeightedDemand && x.cycleMaxGreen < timings.AbsoluteMaxGreen {
					newMax := math.Min(x.cycleMaxGreen+timings.RealtimeFlowExtensionIncrement, timings.AbsoluteMaxGreen)
					if newMax > x.cycleMaxGreen {
						x.log.Infof("approach %q flow %.1f extends max green to %.1fs", entryApproach, ar.greenFlow, newMax)
						x.cycleMaxGreen = newMax
					}
					ar.greenFlow = 0
				}

				if x.greenTimer >= x.cycleMaxGreen {
					next = StateYellow
					reason = fmt.Sprintf("max green (%.1fs) reached", x.cycleMaxGreen)
				} else if x.greenTimer >= timings.MinGreen {
					// Gap-out: the served approach has gone quiet and a
					// competing non-overridden approach has enough backlog.
					maxConflict := 0.0
					conflictApproach := ""
					for i, p := range x.cfg.Phases {
						if i == x.phaseIndex {
							continue
						}
						other := x.approaches[p.Approach()]
						if other.overrideRed {
							continue
						}
						if other.weightedDemand > maxConflict {
							maxConflict = other.weightedDemand
							conflictApproach = p.Approach()
						}
					}
					quiet := timings.GapTime + 1
					if !ar.lastGreenDetection.IsZero() {
						quiet = now.Sub(ar.lastGreenDetection).Seconds()
					}
					if maxConflict >= x.cfg.DemandThreshold && quiet > timings.GapTime {
						next = StateYellow
						reason = fmt.Sprintf("gap-out (%.1fs quiet, %q backlog %.1f)", quiet, conflictApproach, maxConflict)
					}
				}
			}

		case StateYellow:
			if x.stateTimer >= timings.Yellow {
				next = StateAllRed
				reason = fmt.Sprintf("yellow for %q finished", entryApproach)
			}

		case StateAllRed:
			if x.stateTimer >= timings.AllRed {
				if x.preemptionActive && x.targetPhase >= 0 {
					next, reason = x.enterEmergencyPhase()
				}
				if next == "" {
					next, reason = x.selectNextPhase()
				}
			}
		}
	}

	var tr *transition
	if next != "" && next != x.state {
		tr = &transition{from: x.state, to: next, reason: reason}
		x.log.WithFields(logrus.Fields{
			"from":     x.state,
			"to":       next,
			"phase":    x.cfg.Phases[x.phaseIndex].Name,
			"approach": x.currentApproach(),
		}).Infof("state change: %s", reason)

		if x.state == StateYellow && next == StateAllRed {
			x.finishCycle(entryApproach)
		}

		x.state = next
		x.stateTimer = 0
		if next == StateGreen {
			x.greenTimer = 0
			x.approaches[x.currentApproach()].greenFlow = 0
		}
	}

	x.lastUpdate = now
	return tr
}

// enterEmergencyPhase jumps straight to the preemption target after the
// all-red clearance. If the target was overridden red in the meantime the
// preemption is abandoned (after re-checking for another pending emergency)
// and ordinary phase selection applies instead.
func (x *intersection) enterEmergencyPhase() (LightState, string) {
	targetApproach := x.cfg.Phases[x.targetPhase].Approach()
	ar := x.approaches[targetApproach]
	if ar.overrideRed {
		x.log.Warnf("emergency target %q is manually forced red, cannot service", targetApproach)
		x.preemptionActive = false
		x.targetPhase = -1
		if again := x.preemptionCandidate(); again >= 0 {
			x.preemptionActive = true
			x.targetPhase = again
		}
		return "", ""
	}

	x.phaseIndex = x.targetPhase
	x.currentPhaseEmergency = true
	if ar.ambulanceActive {
		x.log.Infof("servicing ambulance on %q, clearing request", targetApproach)
		ar.ambulanceActive = false
	}
	return StateGreen, fmt.Sprintf("starting emergency phase %q for %q", x.cfg.Phases[x.phaseIndex].Name, targetApproach)
}

// selectNextPhase scans the phases after the current one in order, skipping
// (and zeroing the accumulators of) overridden approaches and approaches at
// or below the skip threshold. An approach with an active non-overridden
// emergency request is selected regardless of backlog. If everything is
// skipped the phase immediately after the current one is forced, so the
// intersection never locks in ALL_RED.
func (x *intersection) selectNextPhase() (LightState, string) {
	timings := x.cfg.Timings
	numPhases := len(x.cfg.Phases)
	startIdx := x.phaseIndex
	candidate := x.phaseIndex
	selected := ""
	found := false

	for i := 0; i < numPhases; i++ {
		candidate = (candidate + 1) % numPhases
		p := x.cfg.Phases[candidate]
		ar := x.approaches[p.Approach()]

		if ar.overrideRed {
			x.log.Debugf("phase %q (%s) manually forced red, skipping", p.Name, p.Approach())
			ar.demand = 0
			ar.weightedDemand = 0
			continue
		}
		if ar.ambulanceActive {
			x.log.Infof("approach %q has a pending ambulance, selecting phase %q", p.Approach(), p.Name)
			selected = p.Approach()
			found = true
			break
		}
		if ar.weightedDemand <= timings.SkipThreshold {
			x.log.Debugf("skipping phase %q (%s): weighted demand %.1f <= %.1f",
				p.Name, p.Approach(), ar.weightedDemand, timings.SkipThreshold)
			ar.demand = 0
			ar.weightedDemand = 0
			continue
		}
		selected = p.Approach()
		found = true
		break
	}

	if !found {
		candidate = (startIdx + 1) % numPhases
		selected = x.cfg.Phases[candidate].Approach()
		x.log.Debugf("all phases skipped, forcing phase %q", x.cfg.Phases[candidate].Name)
	}

	x.phaseIndex = candidate
	x.currentPhaseEmergency = false

	// Size this cycle's green window from the selected backlog.
	queued := x.approaches[selected].weightedDemand
	maxGreen := timings.BaseMaxGreen + queued*timings.QueuedWeightedDemandExtensionFactor
	maxGreen = math.Min(maxGreen, timings.AbsoluteMaxGreen)
	x.cycleMaxGreen = math.Max(maxGreen, timings.MinGreen)

	if x.preemptionActive && x.phaseIndex != x.targetPhase {
		x.log.Infof("emergency preemption concluded as ordinary phase %q starts", x.cfg.Phases[x.phaseIndex].Name)
		x.preemptionActive = false
		x.targetPhase = -1
	}

	return StateGreen, fmt.Sprintf("starting phase %q for %q (max green %.1fs)",
		x.cfg.Phases[x.phaseIndex].Name, selected, x.cycleMaxGreen)
}

// finishCycle resets the just-served approach's accumulators and green
// bookkeeping on the YELLOW to ALL_RED edge. An overridden approach keeps
// its accumulators untouched here; they are zeroed during phase skipping
// instead. A finished emergency phase clears its flag and, if no other
// emergency is pending, deactivates preemption mode.
func (x *intersection) finishCycle(approach string) {
	ar := x.approaches[approach]
	if !ar.overrideRed {
		ar.demand = 0
		ar.weightedDemand = 0
	}
	ar.lastGreenDetection = time.Time{}
	ar.greenFlow = 0

	if !x.currentPhaseEmergency {
		return
	}
	x.log.Infof("emergency phase %q cycle completed", x.cfg.Phases[x.phaseIndex].Name)
	x.currentPhaseEmergency = false
	if x.preemptionActive && x.targetPhase == x.phaseIndex {
		if again := x.preemptionCandidate(); again >= 0 {
			x.log.Infof("another emergency pending for phase %q, preemption remains active", x.cfg.Phases[again].Name)
			x.targetPhase = again
		} else {
			x.log.Info("no further pending emergencies, deactivating preemption")
			x.preemptionActive = false
			x.targetPhase = -1
		}
	}
}

// status projects the intersection's signal state for presentation.
func (x *intersection) status() IntersectionStatus {
	timings := x.cfg.Timings
	approach := x.currentApproach()

	timer := x.stateTimer
	if x.state == StateGreen {
		timer = x.greenTimer
	}

	var maxDuration float64
	switch x.state {
	case StateGreen:
		maxDuration = x.cycleMaxGreen
		if x.currentPhaseEmergency {
			maxDuration = timings.EmergencyGreen
		}
		if x.approaches[approach].overrideRed {
			// The override ends this green on the next tick.
			maxDuration = 0.1
		}
	case StateYellow:
		maxDuration = timings.Yellow
	case StateAllRed:
		maxDuration = timings.AllRed
	}

	return IntersectionStatus{
		Phase:          x.cfg.Phases[x.phaseIndex].Name,
		ActiveApproach: approach,
		State:          x.state,
		Timer:          timer,
		MaxDuration:    maxDuration,
		IsEmergency:    x.currentPhaseEmergency || x.preemptionActive,
	}
}

// approachStatuses projects every managed approach's light and demand, in
// phase order.
func (x *intersection) approachStatuses(out map[string]ApproachStatus) {
	served := x.currentApproach()
	for _, p := range x.cfg.Phases {
		name := p.Approach()
		ar := x.approaches[name]

		light := LightRed
		switch {
		case ar.overrideRed:
			light = LightRed
		case name == served && x.state == StateGreen:
			light = LightGreen
		case name == served && x.state == StateYellow:
			light = LightYellow
		}

		out[name] = ApproachStatus{
			State:                  light,
			Demand:                 ar.demand,
			WeightedDemand:         ar.weightedDemand,
			AmbulanceRequestActive: ar.ambulanceActive,
			IsManuallyRed:          ar.overrideRed,
		}
	}
}
