package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
)

// u2net 系列模型的固定输入边长
const u2netSize = 320

var (
	u2netMean = [3]float32{0.485, 0.456, 0.406}
	u2netStd  = [3]float32{0.229, 0.224, 0.225}
)

// ONNXRemover runs a U^2-Net style salient object model through onnxruntime.
// The session and its tensors are allocated once; Remove calls are serialised.
type ONNXRemover struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	logger  *zap.Logger
}

func NewONNXRemover(cfg config.ONNXConfig, logger *zap.Logger) (*ONNXRemover, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("rembg model: %w", err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model io info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("rembg model has no inputs or outputs")
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, u2netSize, u2netSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, u2netSize, u2netSize))
	if err != nil {
		_ = input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	options, err := sessionOptions(cfg.Device)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, err
	}
	defer func() {
		_ = options.Destroy()
	}()

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	logger.Info("rembg model loaded",
		zap.String("path", cfg.ModelPath),
		zap.String("device", cfg.Device),
		zap.String("input", inputs[0].Name),
		zap.String("output", outputs[0].Name))

	return &ONNXRemover{
		session: session,
		input:   input,
		output:  output,
		logger:  logger.With(zap.String("component", "rembg")),
	}, nil
}

func sessionOptions(device string) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if device != "cuda" {
		return options, nil
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		_ = options.Destroy()
		return nil, fmt.Errorf("create cuda options: %w", err)
	}
	defer func() {
		_ = cuda.Destroy()
	}()
	if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
		_ = options.Destroy()
		return nil, fmt.Errorf("enable cuda provider: %w", err)
	}
	return options, nil
}

func (r *ONNXRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resized := resize.Resize(u2netSize, u2netSize, img, resize.Lanczos3)
	fillInput(resized, r.input.GetData())

	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("run rembg session: %w", err)
	}

	mask := predictionMask(r.output.GetData(), u2netSize)
	return applyMask(img, mask), nil
}

func (r *ONNXRemover) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.session != nil {
		errs = append(errs, r.session.Destroy())
		r.session = nil
	}
	if r.input != nil {
		errs = append(errs, r.input.Destroy())
		r.input = nil
	}
	if r.output != nil {
		errs = append(errs, r.output.Destroy())
		r.output = nil
	}
	return errors.Join(errs...)
}

// fillInput writes img as NCHW floats: scaled by the image maximum, then ImageNet normalised.
func fillInput(img image.Image, dst []float32) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h

	var peak uint32 = 1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			peak = max(peak, r>>8, g>>8, bl>>8)
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			for c, v := range [3]uint32{r >> 8, g >> 8, bl >> 8} {
				dst[c*plane+i] = (float32(v)/float32(peak) - u2netMean[c]) / u2netStd[c]
			}
		}
	}
}

// predictionMask min-max normalises the first output channel into an 8 bit mask.
func predictionMask(pred []float32, size int) *image.Gray {
	pred = pred[:size*size]
	lo, hi := pred[0], pred[0]
	for _, v := range pred {
		lo, hi = min(lo, v), max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	mask := image.NewGray(image.Rect(0, 0, size, size))
	for i, v := range pred {
		mask.Pix[i] = uint8((v-lo)/span*255 + 0.5)
	}
	return mask
}

// applyMask scales mask to img and uses it as the alpha channel.
func applyMask(img image.Image, mask *image.Gray) *image.NRGBA {
	b := img.Bounds()
	scaled := resize.Resize(uint(b.Dx()), uint(b.Dy()), mask, resize.Lanczos3)
	sb := scaled.Bounds()

	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			a, _, _, _ := scaled.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
			c.A = uint8(a >> 8)
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}
