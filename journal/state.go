package journal

import (
	gopath "path"
	"sort"
	"strings"

	"github.com/INLOpen/nexusvfs/core"
)

// fsState is the in-memory virtual filesystem: logical paths mapped to
// content identifiers, the set of known directories, and per-path metadata.
// It is owned exclusively by the Journal and mutated only by applying
// journal entries, which keeps WAL order and state order consistent.
//
// Invariants: every file path has all ancestors present in directories, and
// a path is never both a file and a directory.
type fsState struct {
	files       map[string]core.ContentID
	directories map[string]struct{}
	metadata    map[string]map[string]string
}

func newFSState() *fsState {
	s := &fsState{
		files:       make(map[string]core.ContentID),
		directories: make(map[string]struct{}),
		metadata:    make(map[string]map[string]string),
	}
	s.directories["/"] = struct{}{}
	return s
}

// normalizePath cleans a logical slash-separated path into canonical form:
// absolute, no trailing slash (except root).
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p)
}

// parentOf returns the parent directory of a normalized path.
func parentOf(p string) string {
	return gopath.Dir(p)
}

// apply mutates the state according to a journal entry. Application is
// idempotent: each entry fully specifies the resulting mapping, so replaying
// the same entry twice yields the same state.
func (s *fsState) apply(entry *core.JournalEntry) {
	path := normalizePath(entry.Path)
	switch entry.Op {
	case core.OpCreateDirectory:
		s.addDirectory(path)
		s.setMetadata(path, entry.Metadata)

	case core.OpCreateFile:
		s.ensureParents(path)
		s.files[path] = entry.ContentID
		s.setMetadata(path, entry.Metadata)

	case core.OpMount:
		if entry.IsDirectory {
			s.addDirectory(path)
		} else {
			s.ensureParents(path)
			s.files[path] = entry.ContentID
		}
		s.setMetadata(path, entry.Metadata)

	case core.OpRename:
		target := normalizePath(entry.TargetPath)
		s.rename(path, target)

	case core.OpDelete:
		delete(s.files, path)
		delete(s.metadata, path)
		if path != "/" {
			delete(s.directories, path)
		}

	case core.OpUpdateMetadata:
		s.mergeMetadata(path, entry.Metadata)
	}
}

// addDirectory installs a directory and all of its ancestors.
func (s *fsState) addDirectory(path string) {
	for p := path; ; p = parentOf(p) {
		s.directories[p] = struct{}{}
		if p == "/" {
			break
		}
	}
}

// ensureParents installs every ancestor of a file path as a directory.
func (s *fsState) ensureParents(path string) {
	s.addDirectory(parentOf(path))
}

// rename moves a file mapping, or a directory together with every descendant
// path. A rename whose source is already gone is a no-op, which makes
// replaying a recovered rename entry idempotent.
func (s *fsState) rename(oldPath, newPath string) {
	if cid, ok := s.files[oldPath]; ok {
		delete(s.files, oldPath)
		s.ensureParents(newPath)
		s.files[newPath] = cid
		if md, ok := s.metadata[oldPath]; ok {
			delete(s.metadata, oldPath)
			s.metadata[newPath] = md
		}
		return
	}

	if _, ok := s.directories[oldPath]; !ok {
		return
	}

	prefix := oldPath + "/"
	rewrite := func(p string) string {
		return newPath + strings.TrimPrefix(p, oldPath)
	}

	delete(s.directories, oldPath)
	s.addDirectory(newPath)
	for p := range s.directories {
		if strings.HasPrefix(p, prefix) {
			delete(s.directories, p)
			s.directories[rewrite(p)] = struct{}{}
		}
	}
	for p, cid := range s.files {
		if strings.HasPrefix(p, prefix) {
			delete(s.files, p)
			s.files[rewrite(p)] = cid
		}
	}
	for p, md := range s.metadata {
		if p == oldPath || strings.HasPrefix(p, prefix) {
			delete(s.metadata, p)
			s.metadata[rewrite(p)] = md
		}
	}
}

func (s *fsState) setMetadata(path string, md map[string]string) {
	if len(md) == 0 {
		return
	}
	copied := make(map[string]string, len(md))
	for k, v := range md {
		copied[k] = v
	}
	s.metadata[path] = copied
}

// mergeMetadata merges a patch into existing metadata: patch keys overwrite,
// other keys are preserved.
func (s *fsState) mergeMetadata(path string, patch map[string]string) {
	if len(patch) == 0 {
		return
	}
	existing, ok := s.metadata[path]
	if !ok {
		existing = make(map[string]string, len(patch))
		s.metadata[path] = existing
	}
	for k, v := range patch {
		existing[k] = v
	}
}

// hasChildren reports whether any live file or directory exists directly or
// transitively under a directory path.
func (s *fsState) hasChildren(path string) bool {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	for p := range s.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for p := range s.directories {
		if p != path && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// children returns the names of direct children of a directory path, sorted.
func (s *fsState) children(path string) []string {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	seen := make(map[string]struct{})
	collect := func(p string) {
		if !strings.HasPrefix(p, prefix) || p == path {
			return
		}
		rest := strings.TrimPrefix(p, prefix)
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		if rest != "" {
			seen[rest] = struct{}{}
		}
	}
	for p := range s.files {
		collect(p)
	}
	for p := range s.directories {
		collect(p)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshot copies the state into its serialized checkpoint form. The copy is
// deep, so checkpoint I/O can proceed without holding the journal lock.
func (s *fsState) snapshot() core.FilesystemSnapshot {
	snap := core.FilesystemSnapshot{
		Files:       make(map[string]core.ContentID, len(s.files)),
		Directories: make([]string, 0, len(s.directories)),
	}
	for p, cid := range s.files {
		snap.Files[p] = cid
	}
	for p := range s.directories {
		snap.Directories = append(snap.Directories, p)
	}
	sort.Strings(snap.Directories)
	if len(s.metadata) > 0 {
		snap.Metadata = make(map[string]map[string]string, len(s.metadata))
		for p, md := range s.metadata {
			copied := make(map[string]string, len(md))
			for k, v := range md {
				copied[k] = v
			}
			snap.Metadata[p] = copied
		}
	}
	return snap
}

// restoreState rebuilds an fsState from a checkpoint snapshot.
func restoreState(snap core.FilesystemSnapshot) *fsState {
	s := newFSState()
	for p, cid := range snap.Files {
		s.files[p] = cid
	}
	for _, p := range snap.Directories {
		s.directories[p] = struct{}{}
	}
	for p, md := range snap.Metadata {
		copied := make(map[string]string, len(md))
		for k, v := range md {
			copied[k] = v
		}
		s.metadata[p] = copied
	}
	return s
}
