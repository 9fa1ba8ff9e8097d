// Package pipeline wraps the image-to-3D generative model behind a small
// interface: load once, generate a mesh collection per image.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
	"github.com/chaos-io/img2mesh/mesh"
	"github.com/chaos-io/img2mesh/util"
)

const (
	BackendRemote = "remote"
	BackendRelief = "relief"
)

var ErrUnknownBackend = errors.New("unknown pipeline backend")

// Precision represents the numeric precision the model weights run in.
type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionBF16 Precision = "bf16"
	PrecisionFP32 Precision = "fp32"
)

type FlashVDM struct {
	Enabled  bool
	TopKMode string
}

// LoadOptions identifies the checkpoint and how it is run.
type LoadOptions struct {
	Model          string
	Subfolder      string
	UseSafetensors bool
	Device         string
	Precision      Precision
	CacheDir       string
	FlashVDM       FlashVDM
	Compile        bool
}

// Params is the sampling configuration of one inference call.
type Params struct {
	Steps            int
	OctreeResolution int
	NumChunks        int
	Seed             int64
	OutputType       string
}

func (p Params) Validate() error {
	if p.Steps <= 0 || p.OctreeResolution <= 0 || p.NumChunks <= 0 {
		return fmt.Errorf("invalid sampling params %+v", p)
	}
	return nil
}

type Pipeline interface {
	// Generate runs one inference pass. The collection may hold several candidates.
	Generate(ctx context.Context, img image.Image, p Params) ([]*mesh.Mesh, error)
	// ReleaseMemory frees cached memory before a large allocation. Best effort.
	ReleaseMemory(ctx context.Context) error
	Close() error
}

func OptionsFromConfig(cfg config.PipelineConfig) LoadOptions {
	return LoadOptions{
		Model:          cfg.Model,
		Subfolder:      cfg.Subfolder,
		UseSafetensors: cfg.UseSafetensors,
		Device:         cfg.Device,
		Precision:      Precision(strings.ToLower(cfg.Precision)),
		CacheDir:       cfg.CacheDir,
		FlashVDM:       FlashVDM{Enabled: cfg.FlashVDM.Enabled, TopKMode: cfg.FlashVDM.TopKMode},
		Compile:        cfg.Compile,
	}
}

func ParamsFromConfig(cfg config.SamplingConfig) Params {
	return Params{
		Steps:            cfg.Steps,
		OctreeResolution: cfg.OctreeResolution,
		NumChunks:        cfg.NumChunks,
		Seed:             cfg.Seed,
		OutputType:       cfg.OutputType,
	}
}

// Load constructs the pipeline selected by cfg.Backend. Any error here is fatal for the caller.
func Load(ctx context.Context, cfg config.PipelineConfig, logger *zap.Logger) (Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := OptionsFromConfig(cfg)

	if err := util.EnsureDir(opts.CacheDir); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	logger = logger.With(zap.String("backend", cfg.Backend), zap.String("model", opts.Model), zap.String("subfolder", opts.Subfolder))

	var (
		p   Pipeline
		err error
	)
	switch cfg.Backend {
	case BackendRemote:
		p, err = NewRemote(ctx, opts, cfg.Remote, logger)
	case BackendRelief:
		p = NewRelief(opts, cfg.Relief, logger)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("pipeline loaded",
		zap.String("device", opts.Device),
		zap.String("precision", string(opts.Precision)),
		zap.Bool("flashvdm", opts.FlashVDM.Enabled))
	return p, nil
}
