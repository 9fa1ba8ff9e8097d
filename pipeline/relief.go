package pipeline

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
	"github.com/chaos-io/img2mesh/depth"
	"github.com/chaos-io/img2mesh/mesh"
)

// ReliefPipeline 本地生成：主体居中 → 深度图 → 封闭浮雕网格
//
// OctreeResolution 决定深度图最长边，Steps 为平滑次数，NumChunks 为每次检查 ctx 的顶点数。
// 生成过程是确定的，Seed 不参与计算。
type ReliefPipeline struct {
	opts   LoadOptions
	cfg    config.ReliefConfig
	logger *zap.Logger
}

func NewRelief(opts LoadOptions, cfg config.ReliefConfig, logger *zap.Logger) *ReliefPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Device != "cpu" {
		logger.Debug("relief backend runs on cpu", zap.String("requested_device", opts.Device))
	}
	return &ReliefPipeline{opts: opts, cfg: cfg, logger: logger}
}

func (p *ReliefPipeline) Generate(ctx context.Context, img image.Image, params Params) ([]*mesh.Mesh, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	centered, err := depth.Recenter(img, p.cfg.MaxSize, p.cfg.ForegroundThreshold)
	if err != nil {
		return nil, fmt.Errorf("recenter image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	depthMap := depth.GenerateDepthMap(centered, float64(params.OctreeResolution), params.Steps, p.cfg.Invert)

	m, err := mesh.FromHeightField(ctx, depthMap, mesh.HeightFieldOptions{
		ModelWidth:    p.cfg.ModelWidth,
		Thickness:     p.cfg.Thickness,
		BaseThickness: p.cfg.BaseThickness,
		ChunkSize:     params.NumChunks,
	})
	if err != nil {
		return nil, fmt.Errorf("build relief mesh: %w", err)
	}
	m.Name = "relief"

	p.logger.Debug("relief generated",
		zap.Stringer("depth_map", depthMap.Bounds()),
		zap.Int("vertices", len(m.Vertices)),
		zap.Int("faces", len(m.Faces)))
	return []*mesh.Mesh{m}, nil
}

func (p *ReliefPipeline) ReleaseMemory(context.Context) error {
	ReleaseHostMemory()
	return nil
}

func (p *ReliefPipeline) Close() error { return nil }
