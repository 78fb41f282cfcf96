package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirLayout resolves the on-disk locations engines read from and write to.
type DirLayout struct {
	// DataDir is the root for grammars, result documents and recordings.
	DataDir string
}

// DataFile returns the path of name inside the data directory. name may
// contain sub-directories.
func (d DirLayout) DataFile(name ...string) string {
	return filepath.Join(append([]string{d.DataDir}, name...)...)
}

// EnsureDir creates the data sub-directory sub (and its parents) and returns
// its path.
func (d DirLayout) EnsureDir(sub string) (string, error) {
	dir := d.DataFile(sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("engine: create data dir %q: %w", dir, err)
	}
	return dir, nil
}

// SafeName maps an identifier received over the wire to a string usable as a
// single path element. Path separators and other unsafe characters become '_'.
func SafeName(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "." || out == ".." {
		return strings.Repeat("_", len(out))
	}
	return out
}
