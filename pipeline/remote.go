package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
	"github.com/chaos-io/img2mesh/mesh"
	nhttp "github.com/chaos-io/img2mesh/util/http"
)

// RemotePipeline 调用 Hunyuan3D 风格的生成服务（POST /generate），服务端持有模型和显存
type RemotePipeline struct {
	baseURL string
	opts    LoadOptions
	cli     nhttp.IClient
	logger  *zap.Logger
}

func NewRemote(ctx context.Context, opts LoadOptions, rc config.RemoteConfig, logger *zap.Logger) (*RemotePipeline, error) {
	if rc.BaseURL == "" {
		return nil, fmt.Errorf("remote pipeline: empty base url")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &RemotePipeline{
		baseURL: strings.TrimRight(rc.BaseURL, "/"),
		opts:    opts,
		cli:     nhttp.NewHTTPClientWithTimeout(rc.Timeout),
		logger:  logger,
	}

	if rc.HealthPath != "" {
		err := p.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: p.baseURL + rc.HealthPath,
			Method:     http.MethodGet,
		})
		if err != nil {
			return nil, fmt.Errorf("remote pipeline health check: %w", err)
		}
	}
	return p, nil
}

type generateRequest struct {
	Image            string `json:"image"`
	Model            string `json:"model"`
	Subfolder        string `json:"subfolder"`
	UseSafetensors   bool   `json:"use_safetensors"`
	Device           string `json:"device"`
	Precision        string `json:"dtype"`
	EnableFlashVDM   bool   `json:"enable_flashvdm"`
	TopKMode         string `json:"topk_mode,omitempty"`
	Compile          bool   `json:"compile"`
	Steps            int    `json:"num_inference_steps"`
	OctreeResolution int    `json:"octree_resolution"`
	NumChunks        int    `json:"num_chunks"`
	Seed             int64  `json:"seed"`
	OutputType       string `json:"output_type"`
	Type             string `json:"type"`
	Texture          bool   `json:"texture"`
	RemoveBackground bool   `json:"remove_background"`
}

func (p *RemotePipeline) Generate(ctx context.Context, img image.Image, params Params) ([]*mesh.Mesh, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	req := generateRequest{
		Image:            base64.StdEncoding.EncodeToString(buf.Bytes()),
		Model:            p.opts.Model,
		Subfolder:        p.opts.Subfolder,
		UseSafetensors:   p.opts.UseSafetensors,
		Device:           p.opts.Device,
		Precision:        string(p.opts.Precision),
		EnableFlashVDM:   p.opts.FlashVDM.Enabled,
		TopKMode:         p.opts.FlashVDM.TopKMode,
		Compile:          p.opts.Compile,
		Steps:            params.Steps,
		OctreeResolution: params.OctreeResolution,
		NumChunks:        params.NumChunks,
		Seed:             params.Seed,
		OutputType:       params.OutputType,
		Type:             "obj",
	}

	var body []byte
	err := p.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: p.baseURL + "/generate",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       req,
		Response:   &body,
	})
	if err != nil {
		return nil, fmt.Errorf("remote generate: %w", err)
	}

	meshes, err := mesh.ReadOBJ(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse generated mesh: %w", err)
	}
	p.logger.Debug("remote generate finished", zap.Int("meshes", len(meshes)), zap.Int("bytes", len(body)))
	return meshes, nil
}

// ReleaseMemory only frees host buffers; accelerator memory belongs to the server.
func (p *RemotePipeline) ReleaseMemory(context.Context) error {
	ReleaseHostMemory()
	return nil
}

func (p *RemotePipeline) Close() error { return nil }
