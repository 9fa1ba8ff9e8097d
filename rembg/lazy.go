package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
)

var errClosed = errors.New("background remover closed")

// Lazy 在第一次 Remove 时才构建真正的去背景实现；
// 带 alpha 的输入永远不会触发模型加载
type Lazy struct {
	build func() (Remover, error)

	once sync.Once
	r    Remover
	err  error
}

// NewLazy checks the backend name now and defers loading the model to first use.
func NewLazy(cfg config.RemBGConfig, logger *zap.Logger) (*Lazy, error) {
	switch cfg.Backend {
	case "onnx", "comfyui", "none":
	default:
		return nil, fmt.Errorf("unknown rembg backend %q", cfg.Backend)
	}
	return newLazy(func() (Remover, error) { return New(cfg, logger) }), nil
}

func newLazy(build func() (Remover, error)) *Lazy {
	return &Lazy{build: build}
}

func (l *Lazy) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	l.once.Do(func() {
		l.r, l.err = l.build()
	})
	if l.err != nil {
		return nil, fmt.Errorf("load background remover: %w", l.err)
	}
	return l.r.Remove(ctx, img)
}

// Close releases the underlying remover if it was built. A closed Lazy never builds.
func (l *Lazy) Close() error {
	l.once.Do(func() {
		l.err = errClosed
	})
	if c, ok := l.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
