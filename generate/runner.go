// Package generate runs one image-to-mesh generation: load the image, strip its
// background when needed, run the pipeline once and export the first mesh.
package generate

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/depth"
	"github.com/chaos-io/img2mesh/mesh"
	"github.com/chaos-io/img2mesh/pipeline"
	"github.com/chaos-io/img2mesh/rembg"
	"github.com/chaos-io/img2mesh/util"
)

type Runner struct {
	pipeline pipeline.Pipeline
	preparer *depth.Preparer
	params   pipeline.Params
	logger   *zap.Logger
}

func NewRunner(p pipeline.Pipeline, remover rembg.Remover, params pipeline.Params, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		pipeline: p,
		preparer: depth.NewPreparer(remover, logger),
		params:   params,
		logger:   logger,
	}
}

type Result struct {
	Request
	MeshPath          string
	BackgroundRemoved bool
	// Candidates is the size of the collection the pipeline returned.
	Candidates int
	Vertices   int
	Faces      int
	Elapsed    time.Duration
}

// Run performs the generation exactly once. Errors are *StageError values.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	logger := r.logger.With(zap.String("image", req.ImagePath), zap.String("object", req.ObjectName))

	img, err := util.LoadImage(ctx, req.ImagePath)
	if err != nil {
		return nil, stageErr(StageDecode, err)
	}

	res := &Result{Request: req, BackgroundRemoved: !depth.HasAlpha(img)}
	prepared, err := r.preparer.Prepare(ctx, img)
	if err != nil {
		return nil, stageErr(StageBackground, err)
	}

	if err := r.pipeline.ReleaseMemory(ctx); err != nil {
		logger.Warn("release memory before inference", zap.Error(err))
	}

	stop := util.Trace(logger, "inference")
	meshes, err := r.pipeline.Generate(ctx, prepared, r.params)
	stop()
	if err != nil {
		return nil, stageErr(StageInfer, err)
	}
	res.Candidates = len(meshes)

	m, err := SelectFirst(meshes)
	if err != nil {
		return nil, stageErr(StageInfer, err)
	}
	res.Vertices, res.Faces = len(m.Vertices), len(m.Faces)

	res.MeshPath = OutputPath(req.OutputDir, req.ObjectName)
	if err := util.EnsureDir(filepath.Dir(res.MeshPath)); err != nil {
		return nil, stageErr(StageExport, err)
	}
	if err := mesh.Export(m, res.MeshPath); err != nil {
		return nil, stageErr(StageExport, err)
	}

	res.Elapsed = time.Since(start)
	logger.Info("mesh exported",
		zap.String("path", res.MeshPath),
		zap.Bool("background_removed", res.BackgroundRemoved),
		zap.Int("candidates", res.Candidates),
		zap.Int("faces", res.Faces),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// SelectFirst keeps the first mesh of the collection and drops the rest.
func SelectFirst(meshes []*mesh.Mesh) (*mesh.Mesh, error) {
	if len(meshes) == 0 || meshes[0] == nil {
		return nil, ErrNoMesh
	}
	return meshes[0], nil
}
