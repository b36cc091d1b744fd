// Package index keeps a searchable listing of project files so delegation
// packages can point agents at relevant code.
package index

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/imkarma/foreman/internal/complexity"
	"github.com/imkarma/foreman/internal/git"
)

// Directories never indexed or watched.
var skipDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true,
	"from": true, "this": true, "that": true, "into": true,
}

// debounce collapses bursts of filesystem events into one rebuild.
const debounce = 200 * time.Millisecond

// FileIndex lists project files, from git when the root is a repository and
// by walking the tree otherwise.
type FileIndex struct {
	root string
	repo *git.Repo

	mu    sync.RWMutex
	files []string
	built bool

	group singleflight.Group
}

// New returns an index rooted at root. Nothing is read until first use.
func New(root string) *FileIndex {
	return &FileIndex{root: root, repo: git.New(root)}
}

// Root returns the indexed directory.
func (x *FileIndex) Root() string { return x.root }

// Files returns the current listing, building it on first call.
func (x *FileIndex) Files(ctx context.Context) ([]string, error) {
	x.mu.RLock()
	built, files := x.built, x.files
	x.mu.RUnlock()
	if built {
		return files, nil
	}
	if err := x.Rebuild(ctx); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.files, nil
}

// Rebuild refreshes the listing. Concurrent callers share one rebuild.
func (x *FileIndex) Rebuild(ctx context.Context) error {
	_, err, _ := x.group.Do("rebuild", func() (any, error) {
		files, err := x.list(ctx)
		if err != nil {
			return nil, err
		}
		slices.Sort(files)
		x.mu.Lock()
		x.files, x.built = files, true
		x.mu.Unlock()
		return nil, nil
	})
	return err
}

func (x *FileIndex) list(ctx context.Context) ([]string, error) {
	if x.repo.IsGitRepo() {
		if files, err := x.repo.LsFiles(ctx); err == nil {
			return files, nil
		}
	}
	var files []string
	err := filepath.WalkDir(x.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != x.root && skip(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(x.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", x.root, err)
	}
	return files, nil
}

func skip(name string) bool {
	return strings.HasPrefix(name, ".") || skipDirs[name]
}

// Lookup returns up to limit files whose path segments or file-name parts
// match any keyword, best matches first.
func (x *FileIndex) Lookup(ctx context.Context, keywords []string, limit int) ([]string, error) {
	files, err := x.Files(ctx)
	if err != nil {
		return nil, err
	}
	return Match(files, keywords, limit), nil
}

// Match ranks files by how many distinct keywords their path contains.
func Match(files, keywords []string, limit int) []string {
	if len(keywords) == 0 {
		return nil
	}
	type hit struct {
		path  string
		score int
	}
	var hits []hit
	for _, f := range files {
		parts := pathParts(f)
		n := 0
		for _, kw := range keywords {
			if slices.Contains(parts, kw) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{f, n})
		}
	}
	slices.SortFunc(hits, func(a, b hit) int {
		if a.score != b.score {
			return b.score - a.score
		}
		return strings.Compare(a.path, b.path)
	})

	var out []string
	for _, h := range hits {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h.path)
	}
	return out
}

// pathParts splits a/b/user_store.go into a, b, user, store, go.
func pathParts(path string) []string {
	return complexity.Words(strings.ReplaceAll(path, "_", " "))
}

// Keywords extracts lookup keywords from free text: lowercase words of at
// least three characters that are not stopwords.
func Keywords(text string) []string {
	var out []string
	for _, w := range complexity.Words(text) {
		if len(w) >= 3 && !stopwords[w] && !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

// Watch keeps the listing fresh until ctx is cancelled.
func (x *FileIndex) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := x.addDirs(watcher, x.root); err != nil {
		return err
	}
	if err := x.Rebuild(ctx); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skip(info.Name()) {
					if err := x.addDirs(watcher, event.Name); err != nil {
						log.Printf("[index] watch %s: %v", event.Name, err)
					}
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if timer == nil {
					timer = time.AfterFunc(debounce, func() {
						if err := x.Rebuild(ctx); err != nil {
							log.Printf("[index] rebuild: %v", err)
						}
					})
				} else {
					timer.Reset(debounce)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[index] fsnotify error: %v", err)
		}
	}
}

func (x *FileIndex) addDirs(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != x.root && skip(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
