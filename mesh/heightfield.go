package mesh

import (
	"context"
	"errors"
	"image"
)

type HeightFieldOptions struct {
	// XY 方向模型宽度，像素尺寸 = ModelWidth / 图像宽度
	ModelWidth float64
	// 灰度 255 对应的 Z 高度
	Thickness float64
	// 底座厚度，底面位于 Z = -BaseThickness
	BaseThickness float64
	// 每处理 ChunkSize 个顶点检查一次 ctx，<= 0 表示不分块
	ChunkSize int
}

var ErrHeightFieldTooSmall = errors.New("height field needs at least 2x2 pixels")

// FromHeightField 把灰度深度图转成封闭的浮雕实体：顶面、底面和四周侧壁
func FromHeightField(ctx context.Context, depthMap *image.Gray, opts HeightFieldOptions) (*Mesh, error) {
	b := depthMap.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 2 || h < 2 {
		return nil, ErrHeightFieldTooSmall
	}
	pixelSize := opts.ModelWidth / float64(w)
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = w * h
	}

	m := &Mesh{Vertices: make([]Vec3, 2*w*h)}
	top := func(x, y int) int { return y*w + x }
	bot := func(x, y int) int { return w*h + y*w + x }

	for i := 0; i < w*h; i++ {
		if i%chunk == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		x, y := i%w, i/w
		px := float64(x) * pixelSize
		py := float64(h-y-1) * pixelSize
		z := float64(depthMap.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255.0 * opts.Thickness
		m.Vertices[top(x, y)] = Vec3{px, py, z}
		m.Vertices[bot(x, y)] = Vec3{px, py, -opts.BaseThickness}
	}

	m.Faces = make([]Face, 0, 4*(w-1)*(h-1)+4*(w+h-2))

	// 顶面朝上，底面朝下
	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			m.Faces = append(m.Faces,
				Face{top(x, y), top(x, y+1), top(x+1, y)},
				Face{top(x+1, y), top(x, y+1), top(x+1, y+1)},
				Face{bot(x, y), bot(x+1, y), bot(x, y+1)},
				Face{bot(x+1, y), bot(x+1, y+1), bot(x, y+1)},
			)
		}
	}

	// 侧壁：沿顶面边界逆时针（俯视）遍历，每条边 a→b 对应一个朝外的四边形
	wall := func(ax, ay, bx, by int) {
		a, bb := top(ax, ay), top(bx, by)
		a2, b2 := bot(ax, ay), bot(bx, by)
		m.Faces = append(m.Faces, Face{a2, b2, a}, Face{b2, bb, a})
	}
	for x := 0; x < w-1; x++ {
		wall(x, h-1, x+1, h-1)
	}
	for y := h - 1; y > 0; y-- {
		wall(w-1, y, w-1, y-1)
	}
	for x := w - 1; x > 0; x-- {
		wall(x, 0, x-1, 0)
	}
	for y := 0; y < h-1; y++ {
		wall(0, y, 0, y+1)
	}

	return m, nil
}
