package deck

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Library resolves deck paths (action targets, handler paths) to decks.
type Library struct {
	decks map[string]*Deck
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{decks: make(map[string]*Deck)}
}

// Add registers a deck under path after validating it.
func (l *Library) Add(path string, d *Deck) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, exists := l.decks[path]; exists {
		return fmt.Errorf("deck path %q already registered", path)
	}
	l.decks[path] = d
	return nil
}

// Get resolves a deck path.
func (l *Library) Get(path string) (*Deck, bool) {
	d, ok := l.decks[path]
	return d, ok
}

// Paths returns every registered path.
func (l *Library) Paths() []string {
	out := make([]string, 0, len(l.decks))
	for p := range l.decks {
		out = append(out, p)
	}
	return out
}

// LoadDir loads every .yaml/.yml file under fsys into a library, keyed by
// the file path relative to the root with the extension stripped.
func LoadDir(fsys fs.FS) (*Library, error) {
	lib := NewLibrary()
	err := fs.WalkDir(fsys, ".", func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read deck %s: %w", path, err)
		}
		var d Deck
		if err := yaml.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("parse deck %s: %w", path, err)
		}
		key := strings.TrimSuffix(path, ext)
		if d.Name == "" {
			d.Name = filepath.Base(key)
		}
		if err := lib.Add(key, &d); err != nil {
			return fmt.Errorf("register deck %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lib, nil
}
