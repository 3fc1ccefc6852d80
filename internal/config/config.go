// Package config loads and validates intersection configuration for the
// signal controller. Configuration errors are fatal at load time: a
// controller is never constructed from a partially valid config.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "config")

// DefaultConfigPath is the path to the canonical intersection config file.
const DefaultConfigPath = "config/intersections.defaults.json"

// DefaultDemandThreshold is used when an intersection omits its
// demand_threshold or supplies a negative one.
const DefaultDemandThreshold = 1.0

// Timings holds the per-intersection signal timing parameters, all in
// seconds except the unitless extension factor and demand thresholds.
type Timings struct {
	MinGreen                            float64 `json:"min_green"`
	Yellow                              float64 `json:"yellow"`
	AllRed                              float64 `json:"all_red"`
	GapTime                             float64 `json:"gap_time"`
	SkipThreshold                       float64 `json:"skip_threshold"`
	EmergencyGreen                      float64 `json:"emergency_green"`
	AmbulanceRequestTimeout             float64 `json:"ambulance_request_timeout"`
	BaseMaxGreen                        float64 `json:"base_max_green"`
	QueuedWeightedDemandExtensionFactor float64 `json:"queued_weighted_demand_extension_factor"`
	AbsoluteMaxGreen                    float64 `json:"absolute_max_green"`
	RealtimeFlowExtensionIncrement      float64 `json:"realtime_flow_extension_increment"`
	RealtimeFlowMinWeightedDemand       float64 `json:"realtime_flow_min_weighted_demand"`
}

// rawTimings mirrors Timings with pointer fields so that missing keys can be
// distinguished from explicit zeros. Every key is required.
type rawTimings struct {
	MinGreen                            *float64 `json:"min_green"`
	Yellow                              *float64 `json:"yellow"`
	AllRed                              *float64 `json:"all_red"`
	GapTime                             *float64 `json:"gap_time"`
	SkipThreshold                       *float64 `json:"skip_threshold"`
	EmergencyGreen                      *float64 `json:"emergency_green"`
	AmbulanceRequestTimeout             *float64 `json:"ambulance_request_timeout"`
	BaseMaxGreen                        *float64 `json:"base_max_green"`
	QueuedWeightedDemandExtensionFactor *float64 `json:"queued_weighted_demand_extension_factor"`
	AbsoluteMaxGreen                    *float64 `json:"absolute_max_green"`
	RealtimeFlowExtensionIncrement      *float64 `json:"realtime_flow_extension_increment"`
	RealtimeFlowMinWeightedDemand       *float64 `json:"realtime_flow_min_weighted_demand"`
}

// Phase names exactly one approach that receives green while the phase is
// active. Approaches is a list in the wire format but must contain exactly
// one entry; that is validated, not assumed.
type Phase struct {
	Name       string   `json:"name"`
	Approaches []string `json:"approaches"`
}

// Approach returns the single approach served by this phase. Only valid
// after validation has passed.
func (p Phase) Approach() string {
	return p.Approaches[0]
}

// Intersection is the validated, immutable description of one
// intersection: its ordered phases, timing set and demand threshold.
type Intersection struct {
	Name            string
	Phases          []Phase
	Timings         Timings
	DemandThreshold float64
}

type rawIntersection struct {
	Phases  []Phase     `json:"phases"`
	Timings *rawTimings `json:"timings"`

	// Kept raw: a malformed demand_threshold is recoverable, so it must not
	// fail the whole decode.
	DemandThreshold json.RawMessage `json:"demand_threshold"`
}

// Config is the full validated controller configuration.
type Config struct {
	Intersections        []Intersection
	VehicleWeights       map[string]float64
	DefaultVehicleWeight float64

	// ApproachNames is the sorted union of approach names across all
	// intersections.
	ApproachNames []string
}

type rawConfig struct {
	Intersections        map[string]rawIntersection `json:"intersections"`
	VehicleWeights       map[string]float64         `json:"vehicle_weights"`
	DefaultVehicleWeight *float64                   `json:"default_vehicle_weight"`
}

// DefaultVehicleWeights returns the built-in vehicle class weight table,
// favouring heavier vehicle classes when computing weighted demand.
func DefaultVehicleWeights() map[string]float64 {
	return map[string]float64{
		"bus":        3.0,
		"truck":      2.0,
		"mini truck": 1.5,
		"car":        1.0,
		"Motorcycle": 0.75,
		"Bicycle":    0.5,
	}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Vehicle weights and the default weight fall
// back to the built-in table when omitted; everything else is required.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a Config from raw JSON.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(raw.Intersections) == 0 {
		return nil, fmt.Errorf("config: no intersections defined")
	}

	cfg := &Config{
		VehicleWeights:       raw.VehicleWeights,
		DefaultVehicleWeight: 1.0,
	}
	if cfg.VehicleWeights == nil {
		cfg.VehicleWeights = DefaultVehicleWeights()
	}
	if raw.DefaultVehicleWeight != nil {
		cfg.DefaultVehicleWeight = *raw.DefaultVehicleWeight
	}

	// Deterministic intersection order regardless of JSON map iteration.
	names := make([]string, 0, len(raw.Intersections))
	for name := range raw.Intersections {
		names = append(names, name)
	}
	sort.Strings(names)

	// Approaches may repeat across intersections (ingestion routes to the
	// first managing intersection) but not within one.
	approachSet := make(map[string]struct{})
	for _, name := range names {
		in, err := validateIntersection(name, raw.Intersections[name])
		if err != nil {
			return nil, err
		}
		for _, p := range in.Phases {
			if _, ok := approachSet[p.Approach()]; !ok {
				approachSet[p.Approach()] = struct{}{}
				cfg.ApproachNames = append(cfg.ApproachNames, p.Approach())
			}
		}
		cfg.Intersections = append(cfg.Intersections, in)
	}
	sort.Strings(cfg.ApproachNames)

	return cfg, nil
}

func validateIntersection(name string, raw rawIntersection) (Intersection, error) {
	if len(raw.Phases) == 0 {
		return Intersection{}, fmt.Errorf("intersection %q: no phases defined", name)
	}

	seen := make(map[string]struct{})
	seenApproach := make(map[string]struct{})
	for _, p := range raw.Phases {
		if p.Name == "" {
			return Intersection{}, fmt.Errorf("intersection %q: phase with empty name", name)
		}
		if _, dup := seen[p.Name]; dup {
			return Intersection{}, fmt.Errorf("intersection %q: duplicate phase %q", name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if len(p.Approaches) != 1 {
			return Intersection{}, fmt.Errorf(
				"intersection %q, phase %q: must name exactly one approach, found %d",
				name, p.Name, len(p.Approaches))
		}
		if p.Approaches[0] == "" {
			return Intersection{}, fmt.Errorf("intersection %q, phase %q: empty approach name", name, p.Name)
		}
		if _, dup := seenApproach[p.Approaches[0]]; dup {
			return Intersection{}, fmt.Errorf("intersection %q: approach %q served by more than one phase", name, p.Approaches[0])
		}
		seenApproach[p.Approaches[0]] = struct{}{}
	}

	if raw.Timings == nil {
		return Intersection{}, fmt.Errorf("intersection %q: missing timings", name)
	}
	timings, err := validateTimings(name, *raw.Timings)
	if err != nil {
		return Intersection{}, err
	}

	threshold := parseDemandThreshold(name, raw.DemandThreshold)

	return Intersection{
		Name:            name,
		Phases:          raw.Phases,
		Timings:         timings,
		DemandThreshold: threshold,
	}, nil
}

// parseDemandThreshold decodes an intersection's demand_threshold. Unlike
// the timing keys this one is recoverable: a missing, non-numeric or
// negative value falls back to DefaultDemandThreshold with a warning.
func parseDemandThreshold(name string, raw json.RawMessage) float64 {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return DefaultDemandThreshold
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warnf("intersection %q: demand_threshold %s is not numeric, defaulting to %v", name, raw, DefaultDemandThreshold)
		return DefaultDemandThreshold
	}
	if v < 0 {
		log.Warnf("intersection %q: demand_threshold %v is negative, defaulting to %v", name, v, DefaultDemandThreshold)
		return DefaultDemandThreshold
	}
	return v
}

func validateTimings(name string, raw rawTimings) (Timings, error) {
	fields := []struct {
		key   string
		value *float64
	}{
		{"min_green", raw.MinGreen},
		{"yellow", raw.Yellow},
		{"all_red", raw.AllRed},
		{"gap_time", raw.GapTime},
		{"skip_threshold", raw.SkipThreshold},
		{"emergency_green", raw.EmergencyGreen},
		{"ambulance_request_timeout", raw.AmbulanceRequestTimeout},
		{"base_max_green", raw.BaseMaxGreen},
		{"queued_weighted_demand_extension_factor", raw.QueuedWeightedDemandExtensionFactor},
		{"absolute_max_green", raw.AbsoluteMaxGreen},
		{"realtime_flow_extension_increment", raw.RealtimeFlowExtensionIncrement},
		{"realtime_flow_min_weighted_demand", raw.RealtimeFlowMinWeightedDemand},
	}

	var missing []string
	for _, f := range fields {
		if f.value == nil {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return Timings{}, fmt.Errorf("intersection %q: missing timing keys: %v", name, missing)
	}
	for _, f := range fields {
		if *f.value < 0 {
			return Timings{}, fmt.Errorf("intersection %q: timing %q must be non-negative, got %v", name, f.key, *f.value)
		}
	}

	return Timings{
		MinGreen:                            *raw.MinGreen,
		Yellow:                              *raw.Yellow,
		AllRed:                              *raw.AllRed,
		GapTime:                             *raw.GapTime,
		SkipThreshold:                       *raw.SkipThreshold,
		EmergencyGreen:                      *raw.EmergencyGreen,
		AmbulanceRequestTimeout:             *raw.AmbulanceRequestTimeout,
		BaseMaxGreen:                        *raw.BaseMaxGreen,
		QueuedWeightedDemandExtensionFactor: *raw.QueuedWeightedDemandExtensionFactor,
		AbsoluteMaxGreen:                    *raw.AbsoluteMaxGreen,
		RealtimeFlowExtensionIncrement:      *raw.RealtimeFlowExtensionIncrement,
		RealtimeFlowMinWeightedDemand:       *raw.RealtimeFlowMinWeightedDemand,
	}, nil
}
