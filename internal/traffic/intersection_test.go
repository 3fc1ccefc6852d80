package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialPhaseSelectionSkipsIdleApproaches(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)

	// Northbound has 5.0 weighted backlog; Eastbound sits below the skip
	// threshold; the rest are idle.
	s.seedBacklog("Northbound", 5, 0)
	c.UpdateWeightedDemand("Eastbound", map[string]int{"car": 1, "Bicycle": 1}, s.at(0)) // 1.5 <= skip_threshold

	s.tickTo(1)
	st := s.status("Intersection1")
	assert.Equal(t, StateGreen, st.State)
	assert.Equal(t, "GreenForNorthbound", st.Phase)
	assert.Equal(t, "Northbound", st.ActiveApproach)
	assert.False(t, st.IsEmergency)

	// Max green sized from the selected backlog: 20 + 5.0*0.5.
	assert.InDelta(t, 22.5, st.MaxDuration, 1e-9)

	// Skipped approaches had their accumulators zeroed; the selected one
	// keeps its backlog until its cycle ends.
	statuses := c.AllApproachStatuses()
	assert.Zero(t, statuses["Eastbound"].WeightedDemand)
	assert.InDelta(t, 5.0, statuses["Northbound"].WeightedDemand, 1e-9)

	// No competing backlog crosses the demand threshold, so green continues
	// past min_green.
	s.tickTo(10)
	st = s.status("Intersection1")
	assert.Equal(t, StateGreen, st.State)
	assert.Greater(t, st.Timer, 8.0)
}

func TestAllPhasesSkippedForcesNextPhase(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)

	// No demand anywhere: the fallback advances to the phase after the
	// current one rather than locking in ALL_RED.
	s.tickTo(1)
	st := s.status("Intersection1")
	assert.Equal(t, StateGreen, st.State)
	assert.Equal(t, "GreenForEastbound", st.Phase)
}

func TestMinGreenHoldsAgainstCompetingBacklog(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(1) // Northbound green at t=1

	// Heavy competing backlog arrives immediately, but min_green holds.
	s.seedBacklog("Eastbound", 20, 1.5)
	s.tickTo(8.5) // green_timer = 7.5 < min_green
	assert.Equal(t, StateGreen, s.status("Intersection1").State)
}

func TestGapOutEndsQuietGreen(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(1) // Northbound green at t=1

	// Northbound still flowing at t=5 (detection while green refreshes the
	// gap timer instead of adding backlog)...
	c.UpdateDemand("Northbound", 2, s.at(5), false)
	// ...and Eastbound builds sufficient backlog.
	s.seedBacklog("Eastbound", 5, 5)

	// At t=9: green_timer=8 >= min_green, quiet for 4s > gap_time=3.5,
	// conflicting backlog 5.0 >= demand_threshold=3.0.
	s.tickTo(9)
	st := s.status("Intersection1")
	assert.Equal(t, StateYellow, st.State)

	events := c.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, StateGreen, last.From)
	assert.Equal(t, StateYellow, last.To)
	assert.Contains(t, last.Reason, "gap-out")
}

func TestGapOutNeedsCompetingDemand(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(1)

	// Northbound quiet, but competing backlog 2.5 is below the
	// demand_threshold of 3.0: no gap-out.
	s.c.UpdateWeightedDemand("Eastbound", map[string]int{"Motorcycle": 2, "car": 1}, s.at(2))
	s.tickTo(15)
	assert.Equal(t, StateGreen, s.status("Intersection1").State)
}

func TestMaxGreenEndsGreen(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(1) // green, max 22.5s

	// Keep Northbound busy so gap-out never fires.
	for ts := 2.0; ts < 25; ts += 2 {
		c.UpdateDemand("Northbound", 1, s.at(ts), false)
	}
	s.seedBacklog("Eastbound", 5, 2)

	s.tickTo(23.5) // green_timer hits 22.5
	st := s.status("Intersection1")
	assert.Equal(t, StateYellow, st.State)

	last := c.Events()[len(c.Events())-1]
	assert.Contains(t, last.Reason, "max green")
}

func TestFlowExtensionRaisesMaxGreen(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(1)
	require.InDelta(t, 22.5, s.status("Intersection1").MaxDuration, 1e-9)

	// A flow burst at or above realtime_flow_min_weighted_demand extends the
	// ceiling by one increment.
	c.UpdateWeightedDemand("Northbound", map[string]int{"truck": 2}, s.at(2)) // weighted 4.0 while green
	s.tickTo(2.5)
	assert.InDelta(t, 24.0, s.status("Intersection1").MaxDuration, 1e-9)

	// One extension per burst: no further growth without a new capture.
	s.tickTo(4)
	assert.InDelta(t, 24.0, s.status("Intersection1").MaxDuration, 1e-9)

	// Re-armed by the next burst.
	c.UpdateWeightedDemand("Northbound", map[string]int{"bus": 1}, s.at(4.5))
	s.tickTo(5)
	assert.InDelta(t, 25.5, s.status("Intersection1").MaxDuration, 1e-9)
}

func TestFlowExtensionCapsAtAbsoluteMaxGreen(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 13, 0) // 13.0 weighted, ceiling 20+6.5=26.5
	s.tickTo(1)
	require.InDelta(t, 26.5, s.status("Intersection1").MaxDuration, 1e-9)

	// Repeated bursts cannot push past absolute_max_green=45.
	for ts := 1.5; ts < 12; ts += 0.5 {
		c.UpdateWeightedDemand("Northbound", map[string]int{"bus": 2}, s.at(ts))
		s.tickTo(ts + 0.25)
	}
	assert.LessOrEqual(t, s.status("Intersection1").MaxDuration, 45.0)
	assert.InDelta(t, 45.0, s.status("Intersection1").MaxDuration, 1e-9)
}

func TestYellowAndAllRedClearanceTiming(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(1)

	// Quiet green with competing demand gaps out at t=9 (see gap-out test);
	// then 3s yellow, 1s all-red, new green.
	s.seedBacklog("Eastbound", 5, 2)
	s.tickTo(9)
	require.Equal(t, StateYellow, s.status("Intersection1").State)

	s.tickTo(11.5)
	assert.Equal(t, StateYellow, s.status("Intersection1").State, "yellow holds for 3s")
	s.tickTo(12)
	assert.Equal(t, StateAllRed, s.status("Intersection1").State)

	s.tickTo(13)
	st := s.status("Intersection1")
	assert.Equal(t, StateGreen, st.State)
	assert.Equal(t, "GreenForEastbound", st.Phase)
}

func TestTransitionOrderingInvariant(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)

	// A busy hour of mixed demand, overrides and emergencies.
	for cycle := 0; cycle < 12; cycle++ {
		base := float64(cycle) * 30
		s.seedBacklog("Northbound", 5+cycle, base)
		s.seedBacklog("Westbound", 4, base+3)
		if cycle%3 == 0 {
			c.UpdateDemand("Southbound", 1, s.at(base+5), true)
		}
		if cycle%4 == 0 {
			require.NoError(t, c.SetManualOverride("Intersection1", "Eastbound", true))
		} else {
			require.NoError(t, c.SetManualOverride("Intersection1", "Eastbound", false))
		}
		s.tickTo(base + 30)
	}

	events := c.Events()
	require.NotEmpty(t, events)
	for _, ev := range events {
		switch ev.From {
		case StateGreen:
			assert.Equal(t, StateYellow, ev.To, "GREEN must always be followed by YELLOW: %+v", ev)
		case StateYellow:
			assert.Equal(t, StateAllRed, ev.To, "YELLOW must always be followed by ALL_RED: %+v", ev)
		case StateAllRed:
			assert.Equal(t, StateGreen, ev.To, "ALL_RED must always be followed by GREEN: %+v", ev)
		}
	}
}

func TestAtMostOneServedApproach(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)

	for i := 0; i <= 120; i++ {
		ts := float64(i) * 0.5
		if i%7 == 0 {
			s.seedBacklog("Westbound", 4, ts)
		}
		if i%11 == 0 {
			s.seedBacklog("Northbound", 6, ts)
		}
		s.tickTo(ts)

		served := 0
		for _, as := range c.AllApproachStatuses() {
			if as.State == LightGreen || as.State == LightYellow {
				served++
			}
		}
		assert.LessOrEqual(t, served, 1, "at most one approach may be GREEN/YELLOW (t=%.1f)", ts)

		st := s.status("Intersection1")
		assert.Contains(t, []LightState{StateGreen, StateYellow, StateAllRed}, st.State)
	}
}

func TestTickIdempotentForSameTimestamp(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(3)

	before := s.status("Intersection1")
	demandBefore := c.AllApproachStatuses()

	changed := c.Tick(s.at(3))
	assert.False(t, changed, "zero-delta tick must not change state")
	assert.Equal(t, before, s.status("Intersection1"))
	assert.Equal(t, demandBefore, c.AllApproachStatuses())
}

func TestClockJumpsAreClamped(t *testing.T) {
	c := newTestController(t)
	s := newSim(t, c)
	s.seedBacklog("Northbound", 5, 0)
	s.tickTo(1)
	require.Equal(t, StateGreen, s.status("Intersection1").State)

	// A single 2-minute jump credits at most MaxTickDelta seconds.
	c.Tick(s.at(121))
	assert.InDelta(t, 5.0, s.status("Intersection1").Timer, 1e-9)

	// A backwards jump credits nothing.
	c.Tick(s.at(60))
	assert.InDelta(t, 5.0, s.status("Intersection1").Timer, 1e-9)
}
