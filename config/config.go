// Package config loads the coordinator's startup configuration from a
// YAML file (spec.md §6), replacing the teacher's bespoke
// project.xml/wogi.xml parser (fusion/config_parser.go) — this domain
// has no inherited wire format to honor, so a typed gopkg.in/yaml.v3
// struct stands in for the teacher's hand-rolled encoding/xml walk.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"uwbpgo/binner"
	"uwbpgo/coordinator"
	"uwbpgo/geometry"
	"uwbpgo/model"
	"uwbpgo/pgo"
)

// AnchorConfig is one anchor's entry in the YAML anchor list.
type AnchorConfig struct {
	ID      uint8   `yaml:"id"`
	X       float64 `yaml:"x"`
	Y       float64 `yaml:"y"`
	Z       float64 `yaml:"z"`
	YawDeg  float64 `yaml:"yaw_deg"`
	TiltDeg float64 `yaml:"tilt_deg"`
}

// BusConfig names the MQTT broker and topic prefix.
type BusConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
}

// BinnerConfig mirrors binner.Config's field names in YAML.
type BinnerConfig struct {
	WindowSeconds             float64 `yaml:"window_seconds"`
	OutlierSigma              float64 `yaml:"outlier_sigma"`
	MinSamplesForOutlierCheck int     `yaml:"min_samples_for_outlier_check"`
	MaxAnchorVariance         float64 `yaml:"max_anchor_variance"`
}

// SolverConfig carries pgo.Config's IterationCap in YAML; the other
// solver tunables are fixed in CoordinatorCfg.
type SolverConfig struct {
	IterationCap int `yaml:"iteration_cap"`
}

// CoordinatorConfig holds the tick cadence.
type CoordinatorConfig struct {
	TickSeconds float64 `yaml:"tick_seconds"`
}

// WebConfig names the debug HTTP+websocket view's listen port.
type WebConfig struct {
	Port int `yaml:"port"`
}

// File is the top-level YAML document shape.
type File struct {
	DefaultTag  uint32            `yaml:"default_tag"`
	Anchors     []AnchorConfig    `yaml:"anchors"`
	Bus         BusConfig         `yaml:"bus"`
	Binner      BinnerConfig      `yaml:"binner"`
	Solver      SolverConfig      `yaml:"solver"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Web         WebConfig         `yaml:"web"`
}

// Load reads and parses path. A malformed file is fatal, matching
// spec.md §4.1 BadAnchorGeometry's "the process should refuse to
// start" guidance.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&f)
	return f, nil
}

func applyDefaults(f *File) {
	d := binner.DefaultConfig()
	if f.Binner.WindowSeconds == 0 {
		f.Binner.WindowSeconds = d.WindowSeconds
	}
	if f.Binner.OutlierSigma == 0 {
		f.Binner.OutlierSigma = d.OutlierSigma
	}
	if f.Binner.MinSamplesForOutlierCheck == 0 {
		f.Binner.MinSamplesForOutlierCheck = d.MinSamplesForOutlierCheck
	}
	if f.Binner.MaxAnchorVariance == 0 {
		f.Binner.MaxAnchorVariance = d.MaxAnchorVariance
	}

	sd := pgo.DefaultConfig()
	if f.Solver.IterationCap == 0 {
		f.Solver.IterationCap = sd.IterationCap
	}

	if f.Coordinator.TickSeconds == 0 {
		f.Coordinator.TickSeconds = 1.0
	}
	if f.Web.Port == 0 {
		f.Web.Port = 8080
	}
	if f.Bus.Port == 0 {
		f.Bus.Port = 1883
	}
}

// GeometryConfig converts the parsed anchor list into a
// geometry.Config.
func (f File) GeometryConfig() geometry.Config {
	specs := make([]geometry.AnchorSpec, 0, len(f.Anchors))
	for _, a := range f.Anchors {
		specs = append(specs, geometry.AnchorSpec{
			ID:       model.AnchorID(a.ID),
			Position: model.Vec3{X: a.X, Y: a.Y, Z: a.Z},
			YawDeg:   a.YawDeg,
			TiltDeg:  a.TiltDeg,
		})
	}
	return geometry.Config{Anchors: specs}
}

// CoordinatorCfg converts the parsed tunables into a
// coordinator.Config.
func (f File) CoordinatorCfg() coordinator.Config {
	return coordinator.Config{
		TickSeconds: f.Coordinator.TickSeconds,
		BinnerConfig: binner.Config{
			WindowSeconds:             f.Binner.WindowSeconds,
			OutlierSigma:              f.Binner.OutlierSigma,
			MinSamplesForOutlierCheck: f.Binner.MinSamplesForOutlierCheck,
			MaxAnchorVariance:         f.Binner.MaxAnchorVariance,
		},
		SolverConfig: pgo.Config{
			IterationCap:  f.Solver.IterationCap,
			GradientTol:   1e-10,
			StepTol:       1e-12,
			InitialLambda: 1e-3,
			LambdaUp:      10,
			LambdaDown:    10,
		},
	}
}
