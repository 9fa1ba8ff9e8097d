// Package config 加载 img2mesh 的运行配置
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 (IMG2MESH_*)
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "IMG2MESH"

type Config struct {
	Log      LogConfig      `yaml:"log" env:"LOG"`
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`
	Sampling SamplingConfig `yaml:"sampling" env:"SAMPLING"`
	RemBG    RemBGConfig    `yaml:"rembg" env:"REMBG"`
	Defaults DefaultsConfig `yaml:"defaults" env:"DEFAULTS"`
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
}

type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json 或 console
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// PipelineConfig 描述如何构建生成管线（checkpoint、精度、设备等）
type PipelineConfig struct {
	// remote: 远端 Hunyuan3D 生成服务；relief: 本地深度浮雕生成
	Backend        string         `yaml:"backend" env:"BACKEND"`
	Model          string         `yaml:"model" env:"MODEL"`
	Subfolder      string         `yaml:"subfolder" env:"SUBFOLDER"`
	UseSafetensors bool           `yaml:"use_safetensors" env:"USE_SAFETENSORS"`
	Device         string         `yaml:"device" env:"DEVICE"`
	Precision      string         `yaml:"precision" env:"PRECISION"`
	CacheDir       string         `yaml:"cache_dir" env:"CACHE_DIR"`
	FlashVDM       FlashVDMConfig `yaml:"flashvdm" env:"FLASHVDM"`
	Compile        bool           `yaml:"compile" env:"COMPILE"`
	Remote         RemoteConfig   `yaml:"remote" env:"REMOTE"`
	Relief         ReliefConfig   `yaml:"relief" env:"RELIEF"`
}

type FlashVDMConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	TopKMode string `yaml:"topk_mode" env:"TOPK_MODE"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 为空时加载阶段不做健康检查
	HealthPath string `yaml:"health_path" env:"HEALTH_PATH"`
}

type ReliefConfig struct {
	ModelWidth          float64 `yaml:"model_width" env:"MODEL_WIDTH"`
	Thickness           float64 `yaml:"thickness" env:"THICKNESS"`
	BaseThickness       float64 `yaml:"base_thickness" env:"BASE_THICKNESS"`
	MaxSize             int     `yaml:"max_size" env:"MAX_SIZE"`
	ForegroundThreshold float64 `yaml:"foreground_threshold" env:"FOREGROUND_THRESHOLD"`
	Invert              bool    `yaml:"invert" env:"INVERT"`
}

// SamplingConfig 单次推理使用的固定采样参数
type SamplingConfig struct {
	Steps            int    `yaml:"steps" env:"STEPS"`
	OctreeResolution int    `yaml:"octree_resolution" env:"OCTREE_RESOLUTION"`
	NumChunks        int    `yaml:"num_chunks" env:"NUM_CHUNKS"`
	Seed             int64  `yaml:"seed" env:"SEED"`
	OutputType       string `yaml:"output_type" env:"OUTPUT_TYPE"`
}

type RemBGConfig struct {
	// onnx, comfyui, none
	Backend string        `yaml:"backend" env:"BACKEND"`
	ONNX    ONNXConfig    `yaml:"onnx" env:"ONNX"`
	ComfyUI ComfyUIConfig `yaml:"comfyui" env:"COMFYUI"`
}

type ONNXConfig struct {
	ModelPath   string `yaml:"model_path" env:"MODEL_PATH"`
	LibraryPath string `yaml:"library_path" env:"LIBRARY_PATH"`
	Device      string `yaml:"device" env:"DEVICE"`
}

type ComfyUIConfig struct {
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultsConfig 命令行未提供三个位置参数时使用
type DefaultsConfig struct {
	ImagePath  string `yaml:"image_path" env:"IMAGE_PATH"`
	ObjectName string `yaml:"object_name" env:"OBJECT_NAME"`
	OutputDir  string `yaml:"output_dir" env:"OUTPUT_DIR"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	PruneSchedule  string        `yaml:"prune_schedule" env:"PRUNE_SCHEDULE"`
	Retention      time.Duration `yaml:"retention" env:"RETENTION"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Pipeline: PipelineConfig{
			Backend:        "remote",
			Model:          "tencent/Hunyuan3D-2mini",
			Subfolder:      "hunyuan3d-dit-v2-mini-turbo",
			UseSafetensors: false,
			Device:         "cuda",
			Precision:      "fp16",
			CacheDir:       "cache/hunyuan3d-dit-v2-mini-turbo",
			FlashVDM:       FlashVDMConfig{Enabled: true, TopKMode: "merge"},
			Remote: RemoteConfig{
				BaseURL: "http://127.0.0.1:8081",
				Timeout: 10 * time.Minute,
			},
			Relief: ReliefConfig{
				ModelWidth:          50,
				Thickness:           5,
				BaseThickness:       2,
				MaxSize:             1024,
				ForegroundThreshold: 0.8,
			},
		},
		Sampling: SamplingConfig{
			Steps:            5,
			OctreeResolution: 380,
			NumChunks:        20000,
			Seed:             12345,
			OutputType:       "trimesh",
		},
		RemBG: RemBGConfig{
			Backend: "onnx",
			ONNX: ONNXConfig{
				ModelPath: "cache/rembg/u2net.onnx",
				Device:    "cpu",
			},
			ComfyUI: ComfyUIConfig{
				BaseURL:      "http://127.0.0.1:8188",
				PollInterval: time.Second,
				Timeout:      2 * time.Minute,
			},
		},
		Defaults: DefaultsConfig{
			ImagePath:  "assets/example_images/004.png",
			ObjectName: "default",
			OutputDir:  "tmp/results/",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 20 << 20,
			PruneSchedule:  "@every 1h",
			Retention:      24 * time.Hour,
		},
	}
}

// Load 读取配置文件并应用环境变量覆盖，文件不存在时只使用默认值
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Pipeline.Backend {
	case "remote", "relief":
	default:
		return fmt.Errorf("unknown pipeline backend %q", c.Pipeline.Backend)
	}
	switch c.Pipeline.Device {
	case "cuda", "cpu", "mps":
	default:
		return fmt.Errorf("unknown device %q", c.Pipeline.Device)
	}
	switch strings.ToLower(c.Pipeline.Precision) {
	case "fp16", "fp32", "bf16":
	default:
		return fmt.Errorf("unknown precision %q", c.Pipeline.Precision)
	}
	switch c.RemBG.Backend {
	case "onnx", "comfyui", "none":
	default:
		return fmt.Errorf("unknown rembg backend %q", c.RemBG.Backend)
	}

	s := c.Sampling
	if s.Steps <= 0 || s.OctreeResolution <= 0 || s.NumChunks <= 0 {
		return fmt.Errorf("sampling steps, octree_resolution and num_chunks must be positive")
	}
	return nil
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}

		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
