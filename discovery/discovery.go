// Package discovery implements engine.Discovery by walking the
// standardpath/externalpath directories configured at construction,
// mirroring the original ScriptLoader model's findscripts() — the
// catalog is always the current directory listing, never cached.
package discovery

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// FSDiscovery lists scripts under two root directories, one per
// types.ScriptKind. A path is considered a script if it is a regular,
// non-hidden file; subdirectories are walked recursively so catalogs can
// be organized into categories the way the original standardpath/
// externalpath trees are.
type FSDiscovery struct {
	standardRoot string
	externalRoot string
}

// New returns a FSDiscovery rooted at the given directories. Roots are
// not checked for existence here, and cmd/scriptqueue checks only that
// they are non-empty. AvailableScripts keeps working if a root is missing
// or unreadable: it returns an empty list for that root rather than
// failing the whole catalog.
func New(standardRoot, externalRoot string) *FSDiscovery {
	return &FSDiscovery{standardRoot: standardRoot, externalRoot: externalRoot}
}

// AvailableScripts implements engine.Discovery: colon-separated relative
// paths, one list per root, sorted for stable output.
func (d *FSDiscovery) AvailableScripts() (standard, external string) {
	return join(listScripts(d.standardRoot)), join(listScripts(d.externalRoot))
}

func join(paths []string) string {
	return strings.Join(paths, ":")
}

func listScripts(root string) []string {
	if root == "" {
		return nil
	}

	var paths []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entry: skip it, don't fail the whole walk.
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})

	sort.Strings(paths)
	return paths
}

var _ interface {
	AvailableScripts() (standard, external string)
} = (*FSDiscovery)(nil)
