// Package catalog maps (output, workspace) pairs to wallpaper files.
//
// The layout is root/<output>/<workspace>.<ext>. A file named _default
// covers every workspace of its output without a dedicated image. The tree
// is scanned once; the mapping never changes afterwards.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bnema/waybg/internal/logger"
)

// DefaultWorkspace is the fallback workspace key.
const DefaultWorkspace = "_default"

var ErrUnreadableRoot = errors.New("wallpaper directory is not readable")

// Entry is one wallpaper file.
type Entry struct {
	Output    string
	Workspace string
	// Path is the file as found under the root.
	Path string
	// Canonical is Path with every symlink resolved. Several entries may
	// share it.
	Canonical string
}

// Catalog is the immutable result of a scan.
type Catalog struct {
	root    string
	outputs map[string]map[string]Entry
}

// Scan walks root. Only an unreadable root is an error; problems below it
// are logged and skipped.
func Scan(root string) (*Catalog, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreadableRoot, root, err)
	}

	c := &Catalog{
		root:    root,
		outputs: make(map[string]map[string]Entry),
	}

	for _, d := range dirs {
		dir := filepath.Join(root, d.Name())
		// Stat follows symlinked output directories
		info, err := os.Stat(dir)
		if err != nil {
			logger.Warn("Skipping unreadable entry in wallpaper directory", "path", dir, "err", err)
			continue
		}
		if !info.IsDir() {
			logger.Debug("Skipping non-directory in wallpaper directory", "path", dir)
			continue
		}
		c.outputs[d.Name()] = scanOutput(d.Name(), dir)
	}

	if c.Len() == 0 {
		logger.Warn("No wallpapers found", "root", root)
	}
	return c, nil
}

func scanOutput(output, dir string) map[string]Entry {
	entries := make(map[string]Entry)

	files, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("Failed to read output directory, treating it as empty", "output", output, "path", dir, "err", err)
		return entries
	}

	// ReadDir sorts by name, so the first file of a stem wins
	for _, f := range files {
		path := filepath.Join(dir, f.Name())
		info, err := os.Stat(path)
		if err != nil {
			logger.Warn("Skipping unreadable wallpaper", "path", path, "err", err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		workspace := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		if workspace == "" {
			continue
		}
		if prev, dup := entries[workspace]; dup {
			logger.Warn("Several wallpapers for one workspace, keeping the first",
				"output", output, "workspace", workspace, "kept", prev.Path, "ignored", path)
			continue
		}

		canonical, err := filepath.EvalSymlinks(path)
		if err != nil {
			logger.Warn("Skipping wallpaper with unresolvable path", "path", path, "err", err)
			continue
		}
		if abs, err := filepath.Abs(canonical); err == nil {
			canonical = abs
		}

		entries[workspace] = Entry{
			Output:    output,
			Workspace: workspace,
			Path:      path,
			Canonical: canonical,
		}
	}

	logger.Debug("Scanned output directory", "output", output, "wallpapers", len(entries))
	return entries
}

// Resolve returns the entry for (output, workspace), falling back to the
// output's _default entry.
func (c *Catalog) Resolve(output, workspace string) (Entry, bool) {
	byWorkspace, ok := c.outputs[output]
	if !ok {
		return Entry{}, false
	}
	if workspace != "" {
		if e, ok := byWorkspace[workspace]; ok {
			return e, true
		}
	}
	e, ok := byWorkspace[DefaultWorkspace]
	return e, ok
}

// Root returns the scanned directory.
func (c *Catalog) Root() string {
	return c.root
}

// Outputs returns the output names that have a directory, sorted.
func (c *Catalog) Outputs() []string {
	names := make([]string, 0, len(c.outputs))
	for name := range c.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the wallpapers of one output sorted by workspace.
func (c *Catalog) Entries(output string) []Entry {
	byWorkspace := c.outputs[output]
	entries := make([]Entry, 0, len(byWorkspace))
	for _, e := range byWorkspace {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Workspace < entries[j].Workspace
	})
	return entries
}

// Len returns the number of wallpapers over all outputs.
func (c *Catalog) Len() int {
	n := 0
	for _, byWorkspace := range c.outputs {
		n += len(byWorkspace)
	}
	return n
}

// CanonicalPaths returns every distinct resolved wallpaper path.
func (c *Catalog) CanonicalPaths() []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, byWorkspace := range c.outputs {
		for _, e := range byWorkspace {
			if _, ok := seen[e.Canonical]; ok {
				continue
			}
			seen[e.Canonical] = struct{}{}
			paths = append(paths, e.Canonical)
		}
	}
	sort.Strings(paths)
	return paths
}
