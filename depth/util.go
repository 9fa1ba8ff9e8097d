package depth

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
)

type opaquer interface {
	Opaque() bool
}

// HasAlpha 按解码后的通道布局判断：png 解码器对 RGBA 文件返回 NRGBA，对 RGB 文件返回 RGBA，
// 所以 NRGBA/NRGBA64 即使全部不透明也算带 alpha；其他类型看是否真的有透明像素
func HasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.Alpha, *image.Alpha16:
		return true
	case *image.Gray, *image.Gray16, *image.YCbCr, *image.CMYK:
		return false
	}
	if o, ok := img.(opaquer); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// resizeWithinMax 缩放（最长边 <= maxSize），maxSize <= 0 不缩放
func resizeWithinMax(img *image.NRGBA, maxSize int) *image.NRGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize {
		return img
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	return toNRGBA(resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3))
}

// cropSquare 以主体中心、最长边为边长裁出正方形，越界部分保持透明
func cropSquare(img *image.NRGBA, bbox image.Rectangle) *image.NRGBA {
	size := max(bbox.Dx(), bbox.Dy())
	cx := (bbox.Min.X + bbox.Max.X) / 2
	cy := (bbox.Min.Y + bbox.Max.Y) / 2

	src := image.Rect(cx-size/2, cy-size/2, cx-size/2+size, cy-size/2+size)
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))

	visible := src.Intersect(img.Bounds())
	draw.Draw(dst, visible.Sub(src.Min), img, visible.Min, draw.Src)
	return dst
}

func toNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
