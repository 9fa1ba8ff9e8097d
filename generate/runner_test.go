package generate

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/img2mesh/config"
	"github.com/chaos-io/img2mesh/mesh"
	"github.com/chaos-io/img2mesh/pipeline"
	"github.com/chaos-io/img2mesh/rembg"
)

type fakePipeline struct {
	meshes   []*mesh.Mesh
	err      error
	got      image.Image
	released int
}

func (f *fakePipeline) Generate(_ context.Context, img image.Image, _ pipeline.Params) ([]*mesh.Mesh, error) {
	f.got = img
	return f.meshes, f.err
}

func (f *fakePipeline) ReleaseMemory(context.Context) error {
	f.released++
	return errors.New("no accelerator")
}

func (f *fakePipeline) Close() error { return nil }

func triangle(name string) *mesh.Mesh {
	return &mesh.Mesh{
		Name:     name,
		Vertices: []mesh.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Faces:    []mesh.Face{{0, 1, 2}},
	}
}

func writeImage(t *testing.T, dir string, alpha uint8) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			a := uint8(255)
			if x < 4 || x > 11 {
				a = alpha
			}
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: uint8(x * 10), B: uint8(y * 10), A: a})
		}
	}
	path := filepath.Join(dir, "input.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	require.NoError(t, png.Encode(f, img))
	return path
}

func countingRemover(calls *int, out image.Image) rembg.Remover {
	return rembg.Func(func(_ context.Context, in image.Image) (image.Image, error) {
		*calls++
		return out, nil
	})
}

func TestParseArgs(t *testing.T) {
	defaults := config.Default().Defaults

	for _, args := range [][]string{nil, {"a.png"}, {"a.png", "chair"}} {
		req := ParseArgs(args, defaults)
		assert.Equal(t, Request{ImagePath: "assets/example_images/004.png", ObjectName: "default", OutputDir: "tmp/results/"}, req)
	}

	req := ParseArgs([]string{"a.png", "chair", "out"}, defaults)
	assert.Equal(t, Request{ImagePath: "a.png", ObjectName: "chair", OutputDir: "out"}, req)
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("tmp", "results", "my_Chair.obj"), OutputPath("tmp/results/", " my Chair "))
	assert.Equal(t, filepath.Join("out", "a__b.obj"), OutputPath("out/./", "a  b"))
	assert.Equal(t, filepath.Join("out", "default.obj"), OutputPath("out", "   "))
	assert.Equal(t, "tab_name", SanitizeName("\ttab name\n"))
}

func TestSelectFirst(t *testing.T) {
	_, err := SelectFirst(nil)
	assert.ErrorIs(t, err, ErrNoMesh)

	first, second := triangle("a"), triangle("b")
	m, err := SelectFirst([]*mesh.Mesh{first, second})
	require.NoError(t, err)
	assert.Same(t, first, m)

	m, err = SelectFirst([]*mesh.Mesh{second})
	require.NoError(t, err)
	assert.Same(t, second, m)
}

func TestRunner_Run_ExportsFirstMesh(t *testing.T) {
	dir := t.TempDir()
	input := writeImage(t, dir, 0)
	fp := &fakePipeline{meshes: []*mesh.Mesh{triangle("first"), triangle("second")}}

	calls := 0
	r := NewRunner(fp, countingRemover(&calls, nil), pipeline.Params{}, nil)
	res, err := r.Run(context.Background(), Request{ImagePath: input, ObjectName: " my Chair ", OutputDir: filepath.Join(dir, "out", "nested")})
	require.NoError(t, err)

	assert.Zero(t, calls, "alpha image must not go through background removal")
	assert.False(t, res.BackgroundRemoved)
	assert.Equal(t, 1, fp.released)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, filepath.Join(dir, "out", "nested", "my_Chair.obj"), res.MeshPath)

	f, err := os.Open(res.MeshPath)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	meshes, err := mesh.ReadOBJ(f)
	require.NoError(t, err)
	require.Len(t, meshes, 1)
	assert.Equal(t, "first", meshes[0].Name)
}

func TestRunner_Run_RemovesBackgroundOnce(t *testing.T) {
	dir := t.TempDir()
	input := writeImage(t, dir, 255)

	removed := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	removed.SetNRGBA(8, 8, color.NRGBA{R: 1, A: 255})
	calls := 0
	fp := &fakePipeline{meshes: []*mesh.Mesh{triangle("only")}}

	r := NewRunner(fp, countingRemover(&calls, removed), pipeline.Params{}, nil)
	res, err := r.Run(context.Background(), Request{ImagePath: input, ObjectName: "x", OutputDir: dir})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.True(t, res.BackgroundRemoved)
	got, ok := fp.got.(*image.NRGBA)
	require.True(t, ok)
	assert.Equal(t, removed.Pix, got.Pix)
}

func TestRunner_Run_AlphaImageNeedsNoRemovalModel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default().RemBG
	cfg.ONNX.ModelPath = filepath.Join(dir, "missing", "u2net.onnx")

	remover, err := rembg.NewLazy(cfg, nil)
	require.NoError(t, err)
	defer func() {
		_ = remover.Close()
	}()

	fp := &fakePipeline{meshes: []*mesh.Mesh{triangle("only")}}
	r := NewRunner(fp, remover, pipeline.Params{}, nil)

	res, err := r.Run(context.Background(), Request{ImagePath: writeImage(t, dir, 0), ObjectName: "a", OutputDir: dir})
	require.NoError(t, err)
	assert.False(t, res.BackgroundRemoved)

	_, err = r.Run(context.Background(), Request{ImagePath: writeImage(t, t.TempDir(), 255), ObjectName: "b", OutputDir: dir})
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageBackground, se.Stage)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunner_Run_Errors(t *testing.T) {
	dir := t.TempDir()
	input := writeImage(t, dir, 0)
	boom := errors.New("boom")

	tests := []struct {
		name        string
		req         Request
		pipeline    *fakePipeline
		remover     rembg.Remover
		stage       Stage
		recoverable bool
	}{
		{
			name:        "missing image",
			req:         Request{ImagePath: filepath.Join(dir, "nope.png"), ObjectName: "a", OutputDir: dir},
			pipeline:    &fakePipeline{},
			stage:       StageDecode,
			recoverable: true,
		},
		{
			name:     "background removal fails",
			req:      Request{ImagePath: writeImage(t, t.TempDir(), 255), ObjectName: "a", OutputDir: dir},
			pipeline: &fakePipeline{},
			remover: rembg.Func(func(context.Context, image.Image) (image.Image, error) {
				return nil, boom
			}),
			stage: StageBackground,
		},
		{
			name:     "inference fails",
			req:      Request{ImagePath: input, ObjectName: "a", OutputDir: dir},
			pipeline: &fakePipeline{err: boom},
			stage:    StageInfer,
		},
		{
			name:     "empty result",
			req:      Request{ImagePath: input, ObjectName: "a", OutputDir: dir},
			pipeline: &fakePipeline{},
			stage:    StageInfer,
		},
		{
			name:        "output dir is a file",
			req:         Request{ImagePath: input, ObjectName: "a", OutputDir: input},
			pipeline:    &fakePipeline{meshes: []*mesh.Mesh{triangle("a")}},
			stage:       StageExport,
			recoverable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.pipeline, tt.remover, pipeline.Params{}, nil).Run(context.Background(), tt.req)
			require.Error(t, err)

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, tt.recoverable, IsRecoverable(err))
		})
	}
}

func TestRunner_Run_Deterministic(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Backend = pipeline.BackendRelief
	cfg.Pipeline.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.Sampling.OctreeResolution = 48

	p, err := pipeline.Load(context.Background(), cfg.Pipeline, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	input := writeImage(t, dir, 0)
	r := NewRunner(p, rembg.Passthrough{}, pipeline.ParamsFromConfig(cfg.Sampling), nil)

	first, err := r.Run(context.Background(), Request{ImagePath: input, ObjectName: "a", OutputDir: filepath.Join(dir, "one")})
	require.NoError(t, err)
	second, err := r.Run(context.Background(), Request{ImagePath: input, ObjectName: "a", OutputDir: filepath.Join(dir, "two")})
	require.NoError(t, err)

	a, err := os.ReadFile(first.MeshPath)
	require.NoError(t, err)
	b, err := os.ReadFile(second.MeshPath)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}
