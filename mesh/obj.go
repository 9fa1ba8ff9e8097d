package mesh

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// WriteOBJ writes m as a Wavefront OBJ object. Output is byte-stable for equal meshes.
func WriteOBJ(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	if m.Name != "" {
		_, _ = fmt.Fprintf(bw, "o %s\n", m.Name)
	}
	for _, v := range m.Vertices {
		_, _ = fmt.Fprintf(bw, "v %s %s %s\n", formatFloat(v[0]), formatFloat(v[1]), formatFloat(v[2]))
	}
	for _, f := range m.Faces {
		_, _ = fmt.Fprintf(bw, "f %d %d %d\n", f[0]+1, f[1]+1, f[2]+1)
	}
	return bw.Flush()
}

// ReadOBJ parses vertices and faces. Every "o" or "g" statement that is followed by
// faces starts a new mesh. OBJ vertex indices are global; each mesh keeps the vertices
// its faces reference, in file order. Texture and normal references are ignored and
// polygons are fan triangulated.
func ReadOBJ(r io.Reader) ([]*Mesh, error) {
	var (
		positions []Vec3
		meshes    []*Mesh
		name      string
		faces     []Face
	)

	flush := func(next string) {
		if len(faces) > 0 {
			meshes = append(meshes, compact(name, positions, faces))
		}
		name, faces = next, nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		switch fields[0] {
		case "o", "g":
			flush(strings.Join(fields[1:], " "))
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: vertex needs 3 coordinates", line)
			}
			var v Vec3
			for k := 0; k < 3; k++ {
				f, err := strconv.ParseFloat(fields[k+1], 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				v[k] = f
			}
			positions = append(positions, v)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 vertices", line)
			}
			idx := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				n, err := parseIndex(tok, len(positions))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				idx = append(idx, n)
			}
			for i := 1; i+1 < len(idx); i++ {
				faces = append(faces, Face{idx[0], idx[i], idx[i+1]})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush("")
	return meshes, nil
}

// compact builds a mesh holding only the positions referenced by faces.
func compact(name string, positions []Vec3, faces []Face) *Mesh {
	used := make([]int, len(positions))
	for _, f := range faces {
		for _, idx := range f {
			used[idx] = 1
		}
	}

	m := &Mesh{Name: name}
	for i, u := range used {
		if u == 0 {
			used[i] = -1
			continue
		}
		used[i] = len(m.Vertices)
		m.Vertices = append(m.Vertices, positions[i])
	}

	m.Faces = make([]Face, len(faces))
	for i, f := range faces {
		m.Faces[i] = Face{used[f[0]], used[f[1]], used[f[2]]}
	}
	return m
}

// parseIndex resolves "7", "7/1/3", "7//3" or "-1" to a zero based position index.
func parseIndex(tok string, count int) (int, error) {
	if i := strings.IndexByte(tok, '/'); i >= 0 {
		tok = tok[:i]
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("bad face index %q", tok)
	}
	switch {
	case n > 0:
		n--
	case n < 0:
		n += count
	default:
		return 0, fmt.Errorf("face index 0 is invalid")
	}
	if n < 0 || n >= count {
		return 0, fmt.Errorf("face index %q out of range", tok)
	}
	return n, nil
}
