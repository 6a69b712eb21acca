package episode

import (
	"context"

	"google.golang.org/grpc"

	"github.com/banshee-data/scout/internal/actuator"
	"github.com/banshee-data/scout/internal/config"
	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/policy"
	"github.com/banshee-data/scout/internal/rpc"
	"github.com/banshee-data/scout/internal/segmentation"
	"github.com/banshee-data/scout/internal/serialmux"
	"github.com/banshee-data/scout/internal/timeutil"
)

// Deps are the process-level resources Build cannot create from config
// alone.
type Deps struct {
	// Backend overrides the configured backend when set.
	Backend actuator.Backend
	// Link is the robot base serial link. Its Monitor loop must already be
	// running. Required for the robot backend.
	Link        serialmux.SerialMuxInterface
	Recorder    Recorder
	Clock       timeutil.Clock
	Log         *monitoring.Logger
	DialOptions []grpc.DialOption
}

// Build constructs a ready Controller from cfg. The checkpoint is loaded
// and every service client is created before the first step; any failure
// is returned as a ConfigError and releases what was already opened.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (ctl *Controller, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("config", err)
	}
	log := deps.Log

	var closers []func() error
	defer func() {
		if err != nil {
			for _, c := range closers {
				c()
			}
		}
	}()
	dial := func(field, target, service string) (*rpc.Client, error) {
		if target == "" {
			return nil, faults.Configf(field, "endpoint is required")
		}
		c, err := rpc.Dial(target, service, cfg.GetRPCTimeout(), deps.DialOptions...)
		if err != nil {
			return nil, faults.Config(field, err)
		}
		closers = append(closers, c.Close)
		return c, nil
	}

	ckpt, err := policy.LoadCheckpoint(cfg.GetCheckpointPath(), cfg.GetStripPrefixes())
	if err != nil {
		return nil, err
	}
	var network policy.Network
	if endpoint := cfg.GetPolicyEndpoint(); endpoint != "" {
		client, err := dial("policy_endpoint", endpoint, policy.ServiceName)
		if err != nil {
			return nil, err
		}
		network, err = policy.NewRemoteNetwork(client, ckpt)
		if err != nil {
			return nil, err
		}
		log.Diagf("policy: remote %s (%s)", endpoint, ckpt.Path)
	} else {
		network, err = policy.NewGRUNetwork(ckpt)
		if err != nil {
			return nil, err
		}
		log.Diagf("policy: local cpu (%s)", ckpt.Path)
	}
	engine, err := policy.NewEngine(network, log.Named("policy"))
	if err != nil {
		return nil, err
	}

	kind, err := segmentation.ParseKind(cfg.GetSegmentation())
	if err != nil {
		return nil, err
	}
	segClient, err := dial("segmentation_endpoint", cfg.GetSegmentationEndpoint(), segmentation.ServiceName)
	if err != nil {
		return nil, err
	}
	var seg *segmentation.Segmenter
	switch kind {
	case segmentation.SimEncoder:
		seg, err = segmentation.NewSimEncoder(segmentation.NewRemoteEncoder(segClient), cfg.GetSemanticIndexFromOne(), log.Named("segmentation"))
	case segmentation.Detector:
		seg, err = segmentation.NewDetector(segmentation.NewRemoteDetector(segClient), log.Named("segmentation"))
	}
	if err != nil {
		return nil, err
	}

	backend := deps.Backend
	if backend == nil {
		switch cfg.GetBackend() {
		case config.BackendSim:
			bridge, err := dial("bridge_endpoint", cfg.GetBridgeEndpoint(), actuator.BridgeService)
			if err != nil {
				return nil, err
			}
			backend = actuator.NewSim(bridge, log.Named("sim"))
		case config.BackendRobot:
			if deps.Link == nil {
				return nil, faults.Configf("serial_port", "robot backend needs an open base link")
			}
			camera, err := dial("camera_endpoint", cfg.GetCameraEndpoint(), actuator.BridgeService)
			if err != nil {
				return nil, err
			}
			backend = actuator.NewRobot(camera, deps.Link, deps.Clock, cfg.GetMotionTimeout(), log.Named("robot"))
		}
	}
	if backend == nil {
		return nil, faults.Configf("backend", "no backend for %q", cfg.GetBackend())
	}
	if deps.Backend == nil {
		// the backend owns the client dialled last
		closers[len(closers)-1] = backend.Close
	}

	pre, err := observation.NewPreprocessor(cfg.GetMinDepthM(), cfg.GetMaxDepthM(), log.Named("observation"))
	if err != nil {
		return nil, err
	}

	ctl, err = New(ctx, Components{
		Backend:      backend,
		Preprocessor: pre,
		Segmenter:    seg,
		Policy:       engine,
		Recorder:     deps.Recorder,
		Clock:        deps.Clock,
		Log:          log,
	}, Options{
		Goal:                    cfg.GetGoal(),
		MaxSteps:                cfg.GetMaxSteps(),
		ForwardDist:             cfg.GetForwardDistM(),
		TurnAngleDeg:            cfg.GetTurnAngleDeg(),
		InferenceRetries:        cfg.GetInferenceRetries(),
		UseRealGoalConditioning: cfg.GetUseRealGoalConditioning(),
		MaxActuatorFailures:     cfg.GetMaxActuatorFailures(),
	})
	if err != nil {
		return nil, err
	}
	ctl.closers = closers
	return ctl, nil
}
