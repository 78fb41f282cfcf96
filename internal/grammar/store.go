// Package grammar implements the per-channel grammar table: a mapping from a
// grammar's content-id to the file that holds its body.
//
// A Store is owned by a single channel worker and is not safe for concurrent
// use. It owns the backing files: defining writes them, undefining and
// clearing remove them.
package grammar

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/MrWong99/mrcpengine/internal/engine"
)

// ErrNotFound is returned when a content-id has no grammar defined.
var ErrNotFound = errors.New("grammar: not found")

// Extension is the file extension of grammar artifacts.
const Extension = ".gram"

// Grammar is one entry of the table.
type Grammar struct {
	// ID is the content-id the grammar was defined under. Case-sensitive.
	ID string

	// Path is the backing file.
	Path string
}

// Store is the grammar table of one channel.
type Store struct {
	dir    string
	prefix string
	log    *slog.Logger

	grammars map[string]Grammar
	active   string
}

// NewStore returns an empty store that writes its files into dir, naming each
// "<prefix>-<content-id>.gram". dir must exist.
func NewStore(dir, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      dir,
		prefix:   engine.SafeName(prefix),
		log:      logger,
		grammars: make(map[string]Grammar),
	}
}

// PathFor returns the artifact path the grammar id is stored at. Ids that
// had to be sanitised get a hash suffix so that distinct ids never share a
// file.
func (s *Store) PathFor(id string) string {
	name := engine.SafeName(id)
	if name != id {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		name = fmt.Sprintf("%s-%08x", name, h.Sum32())
	}
	return filepath.Join(s.dir, s.prefix+"-"+name+Extension)
}

// Define writes body as the grammar id and returns its path. A previous
// definition under the same id is replaced: the table keeps one entry and the
// old file is overwritten in place. Nothing is changed when the write fails.
func (s *Store) Define(id string, body []byte) (string, error) {
	if id == "" {
		return "", errors.New("grammar: empty content-id")
	}
	path := s.PathFor(id)

	tmp, err := os.CreateTemp(s.dir, ".define-*")
	if err != nil {
		return "", fmt.Errorf("grammar: define %q: %w", id, err)
	}
	_, werr := tmp.Write(body)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("grammar: define %q: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("grammar: define %q: %w", id, err)
	}

	s.grammars[id] = Grammar{ID: id, Path: path}
	s.log.Debug("grammar defined", "content_id", id, "path", path, "size", len(body))
	return path, nil
}

// Undefine deletes the grammar's file and removes it from the table. The
// mapping is removed even if deleting the file fails.
func (s *Store) Undefine(id string) error {
	g, ok := s.grammars[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	delete(s.grammars, id)
	if s.active == id {
		s.active = ""
	}
	if err := os.Remove(g.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("grammar: undefine %q: %w", id, err)
	}
	s.log.Debug("grammar undefined", "content_id", id)
	return nil
}

// Lookup returns the grammar defined under id.
func (s *Store) Lookup(id string) (Grammar, bool) {
	g, ok := s.grammars[id]
	return g, ok
}

// Activate marks id as the grammar the decoder is bound to.
func (s *Store) Activate(id string) error {
	if _, ok := s.grammars[id]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	s.active = id
	return nil
}

// Active returns the grammar the decoder is bound to, if any.
func (s *Store) Active() (Grammar, bool) {
	if s.active == "" {
		return Grammar{}, false
	}
	return s.Lookup(s.active)
}

// Len returns the number of defined grammars.
func (s *Store) Len() int {
	return len(s.grammars)
}

// IDs returns the defined content-ids in sorted order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.grammars))
	for id := range s.grammars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes every grammar. Deletion is best-effort: failures are logged
// and returned joined, but every mapping is removed regardless.
func (s *Store) Clear() error {
	var errs []error
	for _, id := range s.IDs() {
		if err := s.Undefine(id); err != nil {
			s.log.Warn("failed to remove grammar file", "content_id", id, "err", err)
			errs = append(errs, err)
		}
	}
	s.active = ""
	return errors.Join(errs...)
}
