// Package library lists the sound files a user can play.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thoas/go-funk"
)

// ErrNotFound is returned by Find when no sound matches
var ErrNotFound = errors.New("sound not found")

// SupportedExtensions are the file types offered for playback
var SupportedExtensions = []string{"mp3", "wav", "ogg", "flac", "m4a"}

// SortMode orders sounds within a listing. Directories always come first
type SortMode string

const (
	SortByName      SortMode = "name"
	SortByLastAdded SortMode = "last_added"
)

// Filter restricts a listing
type Filter int

const (
	FilterAll Filter = iota
	FilterFavorites
)

// Sound is one entry of a listing, either a playable file or a directory
type Sound struct {
	Path     string
	Name     string
	Dir      bool
	Favorite bool
	ModTime  time.Time
}

// Query describes a listing. An empty Dir means Root
type Query struct {
	Root   string
	Dir    string
	Search string
	Filter Filter
	// absolute paths of favourite sounds
	Favorites []string
	Sort      SortMode
}

// IsSupported reports whether a file has a playable extension
func IsSupported(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return funk.ContainsString(SupportedExtensions, ext)
}

// List returns the entries of q.Dir. A search or the favourites filter walks the whole
// tree under q.Root instead and only returns files
func List(q Query) ([]Sound, error) {
	dir := q.Dir
	if dir == "" {
		dir = q.Root
	}

	var (
		sounds []Sound
		err    error
	)

	if q.Search != "" || q.Filter == FilterFavorites {
		sounds, err = walk(q.Root)
	} else {
		sounds, err = readDir(dir)
	}
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(q.Search)

	filtered := make([]Sound, 0, len(sounds))
	for _, sound := range sounds {
		sound.Favorite = !sound.Dir && funk.ContainsString(q.Favorites, sound.Path)

		if search != "" && !strings.Contains(strings.ToLower(sound.Name), search) {
			continue
		}
		if q.Filter == FilterFavorites && !sound.Favorite {
			continue
		}

		filtered = append(filtered, sound)
	}

	sortSounds(filtered, q.Sort)

	return filtered, nil
}

// Find returns the first file under root whose name matches exactly, ignoring case,
// or else the first one containing name
func Find(root string, name string) (Sound, error) {
	sounds, err := List(Query{Root: root, Search: name, Sort: SortByName})
	if err != nil {
		return Sound{}, err
	}

	for _, sound := range sounds {
		if strings.EqualFold(sound.Name, name) {
			return sound, nil
		}
	}

	if len(sounds) > 0 {
		return sounds[0], nil
	}

	return Sound{}, fmt.Errorf("find %q in %s: %w", name, root, ErrNotFound)
}

func readDir(dir string) ([]Sound, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sound directory: %w", err)
	}

	var sounds []Sound
	for _, entry := range entries {
		if !entry.IsDir() && !IsSupported(entry.Name()) {
			continue
		}

		if sound, ok := newSound(filepath.Join(dir, entry.Name()), entry); ok {
			sounds = append(sounds, sound)
		}
	}

	return sounds, nil
}

func walk(root string) ([]Sound, error) {
	var sounds []Sound

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subdirectories are skipped, an unreadable root is not
			if path == root {
				return err
			}
			return nil
		}

		if entry.IsDir() || !IsSupported(path) {
			return nil
		}

		if sound, ok := newSound(path, entry); ok {
			sounds = append(sounds, sound)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sound library: %w", err)
	}

	return sounds, nil
}

func newSound(path string, entry fs.DirEntry) (Sound, bool) {
	info, err := entry.Info()
	if err != nil {
		return Sound{}, false
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	name := entry.Name()
	if !entry.IsDir() {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}

	return Sound{
		Path:    abs,
		Name:    name,
		Dir:     entry.IsDir(),
		ModTime: info.ModTime(),
	}, true
}

func sortSounds(sounds []Sound, mode SortMode) {
	sort.SliceStable(sounds, func(i, j int) bool {
		a, b := sounds[i], sounds[j]

		if a.Dir != b.Dir {
			return a.Dir
		}

		if mode == SortByLastAdded {
			return a.ModTime.After(b.ModTime)
		}

		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}
