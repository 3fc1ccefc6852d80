package traffic

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/banshee-data/greenwave/internal/config"
)

// DefaultEventHistory is the number of recent transition events kept for the
// event feed.
const DefaultEventHistory = 256

// Controller owns one phase state machine per configured intersection and is
// the single authority for all mutation. Ingestion calls and Tick may arrive
// from different goroutines; one mutex serializes them, which is sufficient
// at signal-control update rates.
type Controller struct {
	mu sync.Mutex

	intersections []*intersection
	approachNames []string // sorted union across intersections

	vehicleWeights       map[string]float64
	defaultVehicleWeight float64

	events   []TransitionEvent // ring of recent transitions
	eventCap int
}

// New constructs a Controller from a validated config. Construction never
// yields a partially usable controller: any config problem is an error.
func New(cfg *config.Config) (*Controller, error) {
	if cfg == nil || len(cfg.Intersections) == 0 {
		return nil, fmt.Errorf("traffic: no intersections configured")
	}

	c := &Controller{
		approachNames:        cfg.ApproachNames,
		vehicleWeights:       cfg.VehicleWeights,
		defaultVehicleWeight: cfg.DefaultVehicleWeight,
		eventCap:             DefaultEventHistory,
	}
	for _, in := range cfg.Intersections {
		x := newIntersection(in)
		c.intersections = append(c.intersections, x)
		x.log.Infof("initialized: starting ALL_RED, first phase %q, %d approaches",
			in.Phases[0].Name, len(in.Phases))
	}
	log.Infof("controller managing %d intersections, approaches: %v",
		len(c.intersections), c.approachNames)
	return c, nil
}

// findIntersection returns the first intersection managing the approach, or
// nil. An approach is expected to be managed by exactly one intersection.
func (c *Controller) findIntersection(approach string) *intersection {
	for _, x := range c.intersections {
		if x.manages(approach) {
			return x
		}
	}
	return nil
}

// UpdateDemand records a raw detection count for an approach. Counts seen
// while the approach is being served (GREEN or YELLOW) refresh its gap-out
// detection time instead of inflating the backlog. An unknown approach is a
// silent no-op. The emergency flag marks an ambulance request regardless of
// phase state.
func (c *Controller) UpdateDemand(approach string, count int, now time.Time, emergency bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	x := c.findIntersection(approach)
	if x == nil {
		return
	}
	ar := x.approaches[approach]

	active := approach == x.currentApproach() && (x.state == StateGreen || x.state == StateYellow)
	if count > 0 {
		if active {
			ar.lastGreenDetection = now
		} else {
			ar.demand += count
		}
	}

	if emergency {
		ar.ambulanceActive = true
		ar.lastAmbulance = now
	}
}

// UpdateWeightedDemand records a class-weighted detection for an approach.
// While the approach is GREEN the value updates the peak flow capture used
// for flow-based extension; while YELLOW it is dropped; otherwise it adds to
// the weighted backlog used for phase selection and max-green sizing.
func (c *Controller) UpdateWeightedDemand(approach string, countsByClass map[string]int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	x := c.findIntersection(approach)
	if x == nil {
		return
	}
	ar := x.approaches[approach]

	value := 0.0
	for class, count := range countsByClass {
		weight, ok := c.vehicleWeights[class]
		if !ok {
			weight = c.defaultVehicleWeight
		}
		value += float64(count) * weight
	}

	active := approach == x.currentApproach()
	switch {
	case active && x.state == StateGreen:
		if value > ar.greenFlow {
			ar.greenFlow = value
		}
	case active && x.state == StateYellow:
		// Transitional; counted neither as flow nor as backlog.
	default:
		ar.weightedDemand += value
	}
}

// SetManualOverride forces (or releases) red on one approach. The override
// takes effect on the next tick; it never forces a transition synchronously.
// Returns ErrNotFound for an unknown intersection or approach.
func (c *Controller) SetManualOverride(intersectionName, approach string, forcedRed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, x := range c.intersections {
		if x.cfg.Name != intersectionName {
			continue
		}
		ar, ok := x.approaches[approach]
		if !ok {
			break
		}
		ar.overrideRed = forcedRed
		action := "released from manual red"
		if forcedRed {
			action = "forced red"
		}
		x.log.Infof("manual override: approach %q %s", approach, action)
		return nil
	}
	return fmt.Errorf("set manual override %q/%q: %w", intersectionName, approach, ErrNotFound)
}

// Tick advances every intersection to now and reports whether any changed
// state. A panic while advancing one intersection is logged and leaves the
// others unaffected.
func (c *Controller) Tick(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for _, x := range c.intersections {
		if tr := c.safeAdvance(x, now); tr != nil {
			changed = true
			c.recordEvent(x, tr, now)
		}
	}
	return changed
}

func (c *Controller) safeAdvance(x *intersection, now time.Time) (tr *transition) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Errorf("tick failed: %v", r)
			tr = nil
		}
	}()
	return x.advance(now)
}

func (c *Controller) recordEvent(x *intersection, tr *transition, now time.Time) {
	ev := TransitionEvent{
		ID:           uuid.NewString(),
		Intersection: x.cfg.Name,
		Phase:        x.cfg.Phases[x.phaseIndex].Name,
		Approach:     x.currentApproach(),
		From:         tr.from,
		To:           tr.to,
		Reason:       tr.reason,
		At:           now,
	}
	c.events = append(c.events, ev)
	if len(c.events) > c.eventCap {
		c.events = c.events[len(c.events)-c.eventCap:]
	}
}

// IntersectionNames lists the managed intersections.
func (c *Controller) IntersectionNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(c.intersections, func(x *intersection, _ int) string {
		return x.cfg.Name
	})
}

// Approaches lists the approaches of one intersection in phase order, or nil
// if the intersection is unknown.
func (c *Controller) Approaches(intersectionName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.intersections {
		if x.cfg.Name == intersectionName {
			return lo.Map(x.cfg.Phases, func(p config.Phase, _ int) string {
				return p.Approach()
			})
		}
	}
	return nil
}

// AllApproachNames lists every managed approach, sorted.
func (c *Controller) AllApproachNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.approachNames))
	copy(out, c.approachNames)
	return out
}

// IntersectionStatus returns the signal status projection for one
// intersection.
func (c *Controller) IntersectionStatus(intersectionName string) (IntersectionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.intersections {
		if x.cfg.Name == intersectionName {
			return x.status(), true
		}
	}
	return IntersectionStatus{}, false
}

// AllApproachStatuses returns the light and demand projection for every
// managed approach. When an approach name repeats across intersections the
// first managing intersection wins, matching ingestion routing.
func (c *Controller) AllApproachStatuses() map[string]ApproachStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ApproachStatus, len(c.approachNames))
	scratch := make(map[string]ApproachStatus)
	for _, x := range c.intersections {
		clear(scratch)
		x.approachStatuses(scratch)
		for name, st := range scratch {
			if _, seen := out[name]; !seen {
				out[name] = st
			}
		}
	}
	return out
}

// Events returns the most recent transition events, oldest first.
func (c *Controller) Events() []TransitionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TransitionEvent, len(c.events))
	copy(out, c.events)
	return out
}
