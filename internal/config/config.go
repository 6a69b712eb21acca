package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/scout/internal/serialmux"
)

// Backend names accepted by the backend field.
const (
	BackendSim   = "sim"
	BackendRobot = "robot"
)

// Segmentation backend names. "mp3d" selects the simulation-trained
// encoder, "coco" the real-world detector.
const (
	SegmentationSim      = "mp3d"
	SegmentationDetector = "coco"
)

// DefaultStripPrefixes are the historical checkpoint key prefixes removed
// before binding parameters to the policy.
var DefaultStripPrefixes = []string{"actor_critic.", "module."}

// Config is the root configuration for one navigation run. Fields are
// pointers so that partial files only override what they name; the Get*
// accessors supply defaults for everything else.
type Config struct {
	Goal         *string `json:"goal,omitempty" yaml:"goal,omitempty"`
	MaxSteps     *int    `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	Backend      *string `json:"backend,omitempty" yaml:"backend,omitempty"`
	Segmentation *string `json:"segmentation,omitempty" yaml:"segmentation,omitempty"`

	// Model
	CheckpointPath          *string  `json:"checkpoint_path,omitempty" yaml:"checkpoint_path,omitempty"`
	StripPrefixes           []string `json:"strip_prefixes,omitempty" yaml:"strip_prefixes,omitempty"`
	SemanticIndexFromOne    *bool    `json:"semantic_index_from_one,omitempty" yaml:"semantic_index_from_one,omitempty"`
	UseRealGoalConditioning *bool    `json:"use_real_goal_conditioning,omitempty" yaml:"use_real_goal_conditioning,omitempty"`
	InferenceRetries        *int     `json:"inference_retries,omitempty" yaml:"inference_retries,omitempty"`

	// Endpoints
	PolicyEndpoint       *string `json:"policy_endpoint,omitempty" yaml:"policy_endpoint,omitempty"`
	SegmentationEndpoint *string `json:"segmentation_endpoint,omitempty" yaml:"segmentation_endpoint,omitempty"`
	BridgeEndpoint       *string `json:"bridge_endpoint,omitempty" yaml:"bridge_endpoint,omitempty"`
	CameraEndpoint       *string `json:"camera_endpoint,omitempty" yaml:"camera_endpoint,omitempty"`
	RPCTimeout           *string `json:"rpc_timeout,omitempty" yaml:"rpc_timeout,omitempty"` // duration string like "10s"

	// Robot base link
	SerialPort    *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Serial        *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	MotionTimeout *string                `json:"motion_timeout,omitempty" yaml:"motion_timeout,omitempty"`

	// Motion primitives
	ForwardDistM *float64 `json:"forward_dist_m,omitempty" yaml:"forward_dist_m,omitempty"`
	TurnAngleDeg *float64 `json:"turn_angle_deg,omitempty" yaml:"turn_angle_deg,omitempty"`

	// Depth operating range used to train the policy
	MinDepthM *float64 `json:"min_depth_m,omitempty" yaml:"min_depth_m,omitempty"`
	MaxDepthM *float64 `json:"max_depth_m,omitempty" yaml:"max_depth_m,omitempty"`

	// Run loop
	MaxActuatorFailures *int `json:"max_consecutive_actuator_failures,omitempty" yaml:"max_consecutive_actuator_failures,omitempty"`

	// Outputs
	DBPath *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	VisDir *string `json:"vis_dir,omitempty" yaml:"vis_dir,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a .json, .yaml or .yml file.
// Fields omitted from the file keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
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

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the set fields hold usable values. It does not
// require CheckpointPath; the policy loader reports a missing checkpoint.
func (c *Config) Validate() error {
	if c.MaxSteps != nil && *c.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be non-negative, got %d", *c.MaxSteps)
	}

	if c.Backend != nil {
		switch *c.Backend {
		case BackendSim, BackendRobot:
		default:
			return fmt.Errorf("backend must be %q or %q, got %q", BackendSim, BackendRobot, *c.Backend)
		}
	}

	if c.Segmentation != nil {
		switch *c.Segmentation {
		case SegmentationSim, SegmentationDetector:
		default:
			return fmt.Errorf("segmentation must be %q or %q, got %q", SegmentationSim, SegmentationDetector, *c.Segmentation)
		}
	}

	if c.InferenceRetries != nil && *c.InferenceRetries < 0 {
		return fmt.Errorf("inference_retries must be non-negative, got %d", *c.InferenceRetries)
	}
	if c.MaxActuatorFailures != nil && *c.MaxActuatorFailures < 1 {
		return fmt.Errorf("max_consecutive_actuator_failures must be at least 1, got %d", *c.MaxActuatorFailures)
	}

	for name, v := range map[string]*string{"rpc_timeout": c.RPCTimeout, "motion_timeout": c.MotionTimeout} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.ForwardDistM != nil && *c.ForwardDistM <= 0 {
		return fmt.Errorf("forward_dist_m must be positive, got %f", *c.ForwardDistM)
	}
	if c.TurnAngleDeg != nil && (*c.TurnAngleDeg <= 0 || *c.TurnAngleDeg > 180) {
		return fmt.Errorf("turn_angle_deg must be in (0, 180], got %f", *c.TurnAngleDeg)
	}

	if c.GetMinDepthM() < 0 || c.GetMaxDepthM() <= c.GetMinDepthM() {
		return fmt.Errorf("depth range must satisfy 0 <= min_depth_m < max_depth_m, got [%f, %f]", c.GetMinDepthM(), c.GetMaxDepthM())
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	return nil
}

// GetGoal returns the goal label or the default.
func (c *Config) GetGoal() string {
	if c.Goal == nil || *c.Goal == "" {
		return "chair"
	}
	return *c.Goal
}

// GetMaxSteps returns the max_steps value or the default.
func (c *Config) GetMaxSteps() int {
	if c.MaxSteps == nil {
		return 400
	}
	return *c.MaxSteps
}

// GetBackend returns the backend name or the default.
func (c *Config) GetBackend() string {
	if c.Backend == nil || *c.Backend == "" {
		return BackendSim
	}
	return *c.Backend
}

// GetSegmentation returns the segmentation backend name or the default.
func (c *Config) GetSegmentation() string {
	if c.Segmentation == nil || *c.Segmentation == "" {
		return SegmentationSim
	}
	return *c.Segmentation
}

// GetCheckpointPath returns the checkpoint path, which has no default.
func (c *Config) GetCheckpointPath() string {
	if c.CheckpointPath == nil {
		return ""
	}
	return *c.CheckpointPath
}

// GetStripPrefixes returns the checkpoint key prefixes to strip.
func (c *Config) GetStripPrefixes() []string {
	if c.StripPrefixes == nil {
		return append([]string(nil), DefaultStripPrefixes...)
	}
	return c.StripPrefixes
}

// GetSemanticIndexFromOne reports whether the encoder checkpoint numbers
// categories from 1.
func (c *Config) GetSemanticIndexFromOne() bool {
	if c.SemanticIndexFromOne == nil {
		return false
	}
	return *c.SemanticIndexFromOne
}

// GetUseRealGoalConditioning reports whether gps, compass and objectgoal are
// passed to the policy. The default (false) holds them at zero, matching the
// deployed policy variant.
func (c *Config) GetUseRealGoalConditioning() bool {
	if c.UseRealGoalConditioning == nil {
		return false
	}
	return *c.UseRealGoalConditioning
}

// GetInferenceRetries returns the per-step retry budget for inference failures.
func (c *Config) GetInferenceRetries() int {
	if c.InferenceRetries == nil {
		return 2
	}
	return *c.InferenceRetries
}

// GetPolicyEndpoint returns the remote policy address; empty selects the
// local network.
func (c *Config) GetPolicyEndpoint() string {
	if c.PolicyEndpoint == nil {
		return ""
	}
	return *c.PolicyEndpoint
}

// GetSegmentationEndpoint returns the segmentation service address.
func (c *Config) GetSegmentationEndpoint() string {
	if c.SegmentationEndpoint == nil || *c.SegmentationEndpoint == "" {
		return "localhost:50071"
	}
	return *c.SegmentationEndpoint
}

// GetBridgeEndpoint returns the simulator bridge address.
func (c *Config) GetBridgeEndpoint() string {
	if c.BridgeEndpoint == nil || *c.BridgeEndpoint == "" {
		return "localhost:50061"
	}
	return *c.BridgeEndpoint
}

// GetCameraEndpoint returns the robot camera/pose service address.
func (c *Config) GetCameraEndpoint() string {
	if c.CameraEndpoint == nil || *c.CameraEndpoint == "" {
		return "localhost:50062"
	}
	return *c.CameraEndpoint
}

// GetRPCTimeout parses and returns the RPCTimeout as a time.Duration.
func (c *Config) GetRPCTimeout() time.Duration {
	return parseDurationOr(c.RPCTimeout, 10*time.Second)
}

// GetSerialPort returns the robot base serial device path.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetSerial returns the serial options for the robot base link.
func (c *Config) GetSerial() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate}
	}
	return *c.Serial
}

// GetMotionTimeout parses and returns the MotionTimeout as a time.Duration.
func (c *Config) GetMotionTimeout() time.Duration {
	return parseDurationOr(c.MotionTimeout, 30*time.Second)
}

// GetForwardDistM returns the forward step length in metres.
func (c *Config) GetForwardDistM() float64 {
	if c.ForwardDistM == nil {
		return 0.25
	}
	return *c.ForwardDistM
}

// GetTurnAngleDeg returns the turn magnitude in degrees.
func (c *Config) GetTurnAngleDeg() float64 {
	if c.TurnAngleDeg == nil {
		return 30
	}
	return *c.TurnAngleDeg
}

// GetMinDepthM returns the near clip of the trained depth range.
func (c *Config) GetMinDepthM() float64 {
	if c.MinDepthM == nil {
		return 0.5
	}
	return *c.MinDepthM
}

// GetMaxDepthM returns the far clip of the trained depth range.
func (c *Config) GetMaxDepthM() float64 {
	if c.MaxDepthM == nil {
		return 5.0
	}
	return *c.MaxDepthM
}

// GetMaxActuatorFailures returns how many consecutive actuator failures the
// run loop tolerates before giving up.
func (c *Config) GetMaxActuatorFailures() int {
	if c.MaxActuatorFailures == nil {
		return 3
	}
	return *c.MaxActuatorFailures
}

// GetDBPath returns the episode database path.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "scout.db"
	}
	return *c.DBPath
}

// GetVisDir returns the directory for overlay frames; empty disables output.
func (c *Config) GetVisDir() string {
	if c.VisDir == nil {
		return ""
	}
	return *c.VisDir
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// Override applies non-zero command line values on top of the file config.
func (c *Config) Override(goal string, maxSteps int, backend, segmentation string) {
	if goal != "" {
		c.Goal = ptrString(goal)
	}
	if maxSteps > 0 {
		c.MaxSteps = ptrInt(maxSteps)
	}
	if backend != "" {
		c.Backend = ptrString(backend)
	}
	if segmentation != "" {
		c.Segmentation = ptrString(segmentation)
	}
}
