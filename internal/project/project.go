// Package project keeps the in-memory copy of the generated project: the
// ordered file list sent back to the API and shown in file explorers.
package project

import (
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/sokinpui/artifact/internal/apply"
	"github.com/sokinpui/artifact/internal/protocol"
	"github.com/sokinpui/artifact/internal/sandbox"
	"github.com/sokinpui/artifact/model"
)

// Store is a concurrency safe, insertion ordered list of project files.
type Store struct {
	mu    sync.RWMutex
	files []model.ProjectFile
	now   func() time.Time
}

// NewStore returns a store seeded with files.
func NewStore(files []model.ProjectFile) *Store {
	return &Store{files: append([]model.ProjectFile(nil), files...), now: time.Now}
}

// Files returns a copy of every file in insertion order.
func (s *Store) Files() []model.ProjectFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ProjectFile(nil), s.files...)
}

// Len is the number of files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Get returns the file at path.
func (s *Store) Get(path string) (model.ProjectFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Find(s.files, func(f model.ProjectFile) bool { return f.Path == path })
}

// Replace swaps the whole file list, as when a template is loaded.
func (s *Store) Replace(files []model.ProjectFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append([]model.ProjectFile(nil), files...)
}

// Upsert updates the file at path in place or appends it.
func (s *Store) Upsert(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UnixMilli()
	if _, i, ok := lo.FindIndexOf(s.files, func(f model.ProjectFile) bool { return f.Path == path }); ok {
		s.files[i].Content = content
		s.files[i].LastModified = now
		return
	}
	s.files = append(s.files, model.ProjectFile{Path: path, Content: content, LastModified: now})
}

// Remove drops the file at path, and everything below it when path is a directory.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(path, "/") + "/"
	s.files = lo.Reject(s.files, func(f model.ProjectFile, _ int) bool {
		return f.Path == path || strings.HasPrefix(f.Path, prefix)
	})
}

// Record mirrors a file action that was applied to the sandbox.
func (s *Store) Record(c apply.FileChange) {
	switch c.Operation {
	case protocol.OpCreate, protocol.OpReplace:
		s.Upsert(c.Path, c.Content)
	case protocol.OpDelete:
		s.Remove(c.Path)
	}
}

// HasFile reports whether a file exists at path.
func (s *Store) HasFile(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// FileTree converts the files into a tree that a sandbox can mount.
func (s *Store) FileTree() sandbox.FileTree {
	tree := sandbox.FileTree{}
	for _, f := range s.Files() {
		tree.Add(f.Path, f.Content)
	}
	return tree
}

// Tree builds the nested explorer view. Children keep the order in which
// their first file was added.
func (s *Store) Tree() []model.FileNode {
	return BuildTree(s.Files())
}

// BuildTree nests files by directory.
func BuildTree(files []model.ProjectFile) []model.FileNode {
	type node struct {
		model.FileNode
		children []*node
	}
	root := &node{}
	index := map[string]*node{"": root}

	for _, f := range files {
		parts := strings.Split(f.Path, "/")
		current := ""
		for i, part := range parts {
			full := part
			if current != "" {
				full = current + "/" + part
			}
			if _, ok := index[full]; !ok {
				typ := "directory"
				if i == len(parts)-1 {
					typ = "file"
				}
				n := &node{FileNode: model.FileNode{Name: part, Path: full, Type: typ}}
				index[full] = n
				if parent := index[current]; parent != nil && parent.Type != "file" {
					parent.children = append(parent.children, n)
				}
			}
			current = full
		}
	}

	var build func(n *node) []model.FileNode
	build = func(n *node) []model.FileNode {
		return lo.Map(n.children, func(c *node, _ int) model.FileNode {
			out := c.FileNode
			if c.Type == "directory" {
				out.Children = build(c)
			}
			return out
		})
	}
	return build(root)
}
