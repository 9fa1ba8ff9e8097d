package depth

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/rembg"
)

var (
	ErrNoForeground = errors.New("no foreground pixels above alpha threshold")
	ErrNoImage      = errors.New("remove background: remover returned no image")
)

type Preparer struct {
	RemBG  rembg.Remover
	logger *zap.Logger
}

func NewPreparer(remover rembg.Remover, logger *zap.Logger) *Preparer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preparer{RemBG: remover, logger: logger}
}

// Prepare 把输入图片转成 NRGBA；
// 图片没有透明信息时调用一次背景去除，并用结果替换原图
func (p *Preparer) Prepare(ctx context.Context, input image.Image) (*image.NRGBA, error) {
	if HasAlpha(input) {
		return toNRGBA(input), nil
	}

	if p.RemBG == nil {
		return nil, errors.New("image has no alpha channel and no background remover is configured")
	}

	p.logger.Debug("image is opaque, removing background", zap.Stringer("bounds", input.Bounds()))
	out, err := p.RemBG.Remove(ctx, toNRGBA(input))
	if err != nil {
		return nil, fmt.Errorf("remove background: %w", err)
	}
	if out == nil {
		return nil, ErrNoImage
	}
	return toNRGBA(out), nil
}

// Recenter 缩放（最长边 <= maxSize），按 alpha 主体裁成居中的正方形，并预乘 alpha
func Recenter(img image.Image, maxSize int, threshold float64) (*image.NRGBA, error) {
	src := resizeWithinMax(toNRGBA(img), maxSize)

	bbox, err := alphaBBox(src, threshold)
	if err != nil {
		return nil, err
	}

	out := cropSquare(src, bbox)
	premultiply(out)
	return out, nil
}

// alphaBBox 从 alpha 通道计算主体 bounding box
// 把 alpha > threshold * 255 的像素当作“主体”
func alphaBBox(img *image.NRGBA, threshold float64) (image.Rectangle, error) {
	b := img.Bounds()
	th := uint8(threshold * 255)

	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Pix[row+(x-b.Min.X)*4+3] <= th {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}

	if maxX < minX {
		return image.Rectangle{}, ErrNoForeground
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}

// premultiply 预乘 Alpha，RGB × alpha
// 例如：红色半透明 (1,0,0,0.5) → (0.5,0,0)，背景自然变黑
func premultiply(img *image.NRGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		a := uint32(img.Pix[i+3])
		img.Pix[i] = uint8(uint32(img.Pix[i]) * a / 255)
		img.Pix[i+1] = uint8(uint32(img.Pix[i+1]) * a / 255)
		img.Pix[i+2] = uint8(uint32(img.Pix[i+2]) * a / 255)
	}
}
