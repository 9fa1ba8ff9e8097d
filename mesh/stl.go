package mesh

import (
	"bufio"
	"fmt"
	"io"
)

// WriteSTL 写入 ASCII STL
func WriteSTL(w io.Writer, m *Mesh) error {
	name := m.Name
	if name == "" {
		name = "mesh"
	}

	bw := bufio.NewWriter(w)
	_, _ = fmt.Fprintf(bw, "solid %s\n", name)
	for i, f := range m.Faces {
		n := m.FaceNormal(i)
		_, _ = fmt.Fprintf(bw, "  facet normal %f %f %f\n", n[0], n[1], n[2])
		_, _ = fmt.Fprintf(bw, "    outer loop\n")
		for _, idx := range f {
			v := m.Vertices[idx]
			_, _ = fmt.Fprintf(bw, "      vertex %f %f %f\n", v[0], v[1], v[2])
		}
		_, _ = fmt.Fprintf(bw, "    endloop\n")
		_, _ = fmt.Fprintf(bw, "  endfacet\n")
	}
	_, _ = fmt.Fprintf(bw, "endsolid %s\n", name)
	return bw.Flush()
}
