package generate

import (
	"path/filepath"
	"strings"

	"github.com/chaos-io/img2mesh/config"
)

const meshExt = ".obj"

// Request 描述一次生成：输入图片、对象名、输出目录
type Request struct {
	ImagePath  string
	ObjectName string
	OutputDir  string
}

// ParseArgs 读取位置参数 <image_path> <object_name> <output_dir>；
// 少于三个时全部使用默认值，多余的参数忽略
func ParseArgs(args []string, defaults config.DefaultsConfig) Request {
	if len(args) < 3 {
		return Request{
			ImagePath:  defaults.ImagePath,
			ObjectName: defaults.ObjectName,
			OutputDir:  defaults.OutputDir,
		}
	}
	return Request{ImagePath: args[0], ObjectName: args[1], OutputDir: args[2]}
}

// SanitizeName 去掉首尾空白并把空格替换为下划线，结果为空时返回 "default"
func SanitizeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
	if name == "" {
		return "default"
	}
	return name
}

// OutputPath 返回 <dir>/<sanitized name>.obj
func OutputPath(dir, name string) string {
	return filepath.Join(filepath.Clean(dir), SanitizeName(name)+meshExt)
}
