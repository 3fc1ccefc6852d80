package traffic

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/greenwave/internal/config"
)

// Test fixtures mirror the default four-approach intersection config.

func testTimings() config.Timings {
	return config.Timings{
		MinGreen:                            8,
		Yellow:                              3,
		AllRed:                              1,
		GapTime:                             3.5,
		SkipThreshold:                       2.0,
		EmergencyGreen:                      12,
		AmbulanceRequestTimeout:             8.0,
		BaseMaxGreen:                        20,
		QueuedWeightedDemandExtensionFactor: 0.5,
		AbsoluteMaxGreen:                    45,
		RealtimeFlowExtensionIncrement:      1.5,
		RealtimeFlowMinWeightedDemand:       2.5,
	}
}

func testIntersection(name string, approaches ...string) config.Intersection {
	if len(approaches) == 0 {
		approaches = []string{"Northbound", "Eastbound", "Westbound", "Southbound"}
	}
	phases := make([]config.Phase, 0, len(approaches))
	for _, a := range approaches {
		phases = append(phases, config.Phase{Name: "GreenFor" + a, Approaches: []string{a}})
	}
	return config.Intersection{
		Name:            name,
		Phases:          phases,
		Timings:         testTimings(),
		DemandThreshold: 3.0,
	}
}

func newTestController(t *testing.T, ins ...config.Intersection) *Controller {
	t.Helper()
	if len(ins) == 0 {
		ins = []config.Intersection{testIntersection("Intersection1")}
	}

	var approaches []string
	seen := map[string]struct{}{}
	for _, in := range ins {
		for _, p := range in.Phases {
			if _, ok := seen[p.Approach()]; !ok {
				seen[p.Approach()] = struct{}{}
				approaches = append(approaches, p.Approach())
			}
		}
	}
	sort.Strings(approaches)

	c, err := New(&config.Config{
		Intersections:        ins,
		VehicleWeights:       config.DefaultVehicleWeights(),
		DefaultVehicleWeight: 1.0,
		ApproachNames:        approaches,
	})
	require.NoError(t, err)
	return c
}

// sim drives a controller with a simulated wall clock in fixed tick steps,
// the way the periodic driver does in production.
type sim struct {
	t    *testing.T
	c    *Controller
	base time.Time
	now  time.Time
}

func newSim(t *testing.T, c *Controller) *sim {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &sim{t: t, c: c, base: base, now: base}
	// Establish the time base; the first tick always sees a zero delta.
	c.Tick(base)
	return s
}

// at converts an offset in seconds from the simulation start to a timestamp.
func (s *sim) at(seconds float64) time.Time {
	return s.base.Add(time.Duration(seconds * float64(time.Second)))
}

// tickTo advances the controller in 0.5s steps up to the given offset.
func (s *sim) tickTo(seconds float64) {
	s.t.Helper()
	target := s.at(seconds)
	for s.now.Before(target) {
		s.now = s.now.Add(500 * time.Millisecond)
		if s.now.After(target) {
			s.now = target
		}
		s.c.Tick(s.now)
	}
}

func (s *sim) status(name string) IntersectionStatus {
	s.t.Helper()
	st, ok := s.c.IntersectionStatus(name)
	require.True(s.t, ok, "unknown intersection %q", name)
	return st
}

// seedBacklog adds weighted backlog for an approach using car-equivalents.
func (s *sim) seedBacklog(approach string, cars int, seconds float64) {
	s.c.UpdateWeightedDemand(approach, map[string]int{"car": cars}, s.at(seconds))
}
