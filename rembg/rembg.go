// Package rembg isolates the foreground subject of an image, producing an
// image whose alpha channel masks out the background.
package rembg

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
)

type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Func adapts a plain function to Remover.
type Func func(ctx context.Context, img image.Image) (image.Image, error)

func (f Func) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return f(ctx, img)
}

// Passthrough returns the image unchanged.
type Passthrough struct{}

func (Passthrough) Remove(_ context.Context, img image.Image) (image.Image, error) {
	return img, nil
}

// New builds the remover selected by cfg.Backend. Removers holding native
// resources also implement io.Closer.
func New(cfg config.RemBGConfig, logger *zap.Logger) (Remover, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "onnx":
		return NewONNXRemover(cfg.ONNX, logger)
	case "comfyui":
		return NewComfyRemover(cfg.ComfyUI, logger), nil
	case "none":
		return Passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown rembg backend %q", cfg.Backend)
	}
}
