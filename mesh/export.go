package mesh

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Export writes m to path, picking the format from the file extension.
// The parent directory must exist.
func Export(m *Mesh, path string) error {
	if err := m.Validate(); err != nil {
		return err
	}

	var write func(*os.File) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".obj":
		write = func(f *os.File) error { return WriteOBJ(f, m) }
	case ".stl":
		write = func(f *os.File) error { return WriteSTL(f, m) }
	default:
		return fmt.Errorf("unsupported mesh format %q", ext)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
