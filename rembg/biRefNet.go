package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
	nhttp "github.com/chaos-io/img2mesh/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	imagePlaceholder = "MyImage.png"
	saveNodeID       = "3"
)

//go:embed workflow.json
var workflowData string

// ComfyRemover 通过 ComfyUI 的 BiRefNet 工作流去背景：上传 → 提交 prompt → 轮询 history → 下载结果
type ComfyRemover struct {
	baseURL      string
	clientID     string
	pollInterval time.Duration
	timeout      time.Duration
	cli          nhttp.IClient
	logger       *zap.Logger
}

func NewComfyRemover(cfg config.ComfyUIConfig, logger *zap.Logger) *ComfyRemover {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &ComfyRemover{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     ksuid.New().String(),
		pollInterval: poll,
		timeout:      cfg.Timeout,
		cli:          nhttp.NewHTTPClient(),
		logger:       logger.With(zap.String("component", "rembg"), zap.String("model", BiRefNetModel)),
	}
}

func (b *ComfyRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	name, err := b.uploadImage(ctx, img)
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, name)
	if err != nil {
		return nil, err
	}

	out, err := b.waitForOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	return b.view(ctx, out)
}

type imageRef struct {
	Name      string `json:"name,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}
*/
func (b *ComfyRemover) uploadImage(ctx context.Context, img image.Image) (string, error) {
	var pngData bytes.Buffer
	if err := png.Encode(&pngData, img); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", ksuid.New().String()+".png")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(pngData.Bytes()); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &imageRef{}
	err = b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/upload/image",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return "", fmt.Errorf("upload image: empty file name in response")
	}

	b.logger.Debug("uploaded image", zap.String("name", resp.Name))
	return resp.Name, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *ComfyRemover) prompt(ctx context.Context, imageName string) (string, error) {
	wk := map[string]any{}
	data := strings.Replace(workflowData, imagePlaceholder, imageName, 1)
	if err := json.Unmarshal([]byte(data), &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}

	resp := &promptResp{}
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/prompt",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       map[string]any{"prompt": wk, "client_id": b.clientID},
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("queue prompt: node errors %v", resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("queue prompt: empty prompt id")
	}

	b.logger.Debug("queued prompt", zap.String("prompt_id", resp.PromptID), zap.Int("number", resp.Number))
	return resp.PromptID, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

func (b *ComfyRemover) waitForOutput(ctx context.Context, promptID string) (imageRef, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: b.baseURL + "/api/history/" + url.PathEscape(promptID),
			Method:     http.MethodGet,
			Response:   &history,
		})
		if err != nil {
			return imageRef{}, fmt.Errorf("get history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return imageRef{}, fmt.Errorf("prompt %s failed", promptID)
			}
			if out := entry.Outputs[saveNodeID]; len(out.Images) > 0 {
				return out.Images[0], nil
			}
			if entry.Status.Completed {
				return imageRef{}, fmt.Errorf("prompt %s completed without output image", promptID)
			}
		}

		select {
		case <-ctx.Done():
			return imageRef{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *ComfyRemover) view(ctx context.Context, ref imageRef) (image.Image, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	var data []byte
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/view?" + q.Encode(),
		Method:     http.MethodGet,
		Response:   &data,
	})
	if err != nil {
		return nil, fmt.Errorf("download output image: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode output image: %w", err)
	}
	return img, nil
}
