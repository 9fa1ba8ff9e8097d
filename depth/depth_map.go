package depth

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Z 台阶数（影响浮雕高度层次）
const levels = 36

// GenerateDepthMap 生成深度图：线性灰度 → 缩放到 base → passes 次 3x3 高斯模糊 → S 曲线 → Z 量化
//
// 输入按预乘 alpha 取亮度，透明背景高度为 0 且不受 invert 影响。
func GenerateDepthMap(img image.Image, base float64, passes int, invert bool) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// ---------- XY 分辨率 ----------
	base = math.Max(1, base)
	ratio := math.Min(base/float64(w), base/float64(h))
	nw, nh := max(1, int(float64(w)*ratio)), max(1, int(float64(h)*ratio))

	// ---------- 线性灰度 + alpha 掩码 ----------
	gray := image.NewGray(image.Rect(0, 0, w, h))
	mask := image.NewGray(gray.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, a := img.At(x+b.Min.X, y+b.Min.Y).RGBA()
			gray.Pix[y*gray.Stride+x] = uint8((299*r + 587*g + 114*bl) / 1000 >> 8)
			mask.Pix[y*mask.Stride+x] = uint8(a >> 8)
		}
	}

	// ---------- 缩放 ----------
	resized := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), gray, gray.Bounds(), draw.Src, nil)
	alpha := image.NewGray(resized.Bounds())
	draw.ApproxBiLinear.Scale(alpha, alpha.Bounds(), mask, mask.Bounds(), draw.Src, nil)

	// ---------- 高斯模糊（消噪） ----------
	for i := 0; i < passes; i++ {
		resized = blur3x3(resized)
	}

	// ---------- 轻 S 曲线（保形体） ----------
	var lut [256]uint8
	for i := 0; i < 256; i++ {
		x := float64(i) / 255.0
		y := x * x * (3 - 2*x) // smoothstep
		lut[i] = uint8(y*255 + 0.5)
	}

	// ---------- Z 量化 ----------
	step := uint8(256 / levels)

	out := image.NewGray(resized.Bounds())
	for i, v := range resized.Pix {
		if alpha.Pix[i] < 128 {
			continue
		}
		q := (lut[v] / step) * step
		if invert {
			q = 255 - q
		}
		out.Pix[i] = q
	}
	return out
}

// blur3x3 用整数核 [1 2 1; 2 4 2; 1 2 1]/16 模糊，边缘像素保持原值
func blur3x3(src *image.Gray) *image.Gray {
	k := [3][3]int{
		{1, 2, 1},
		{2, 4, 2},
		{1, 2, 1},
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewGray(src.Bounds())
	copy(dst.Pix, src.Pix)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			sum := 0
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					sum += int(src.Pix[(y+ky)*src.Stride+x+kx]) * k[ky+1][kx+1]
				}
			}
			dst.Pix[y*dst.Stride+x] = uint8(sum >> 4)
		}
	}
	return dst
}
