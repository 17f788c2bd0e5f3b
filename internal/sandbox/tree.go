package sandbox

import (
	"path"
	"sort"
	"strings"
)

// FileTree is a nested directory listing used to mount many files at once.
type FileTree map[string]*Node

// Node is either a file or a directory.
type Node struct {
	File      *File    `json:"file,omitempty"`
	Directory FileTree `json:"directory,omitempty"`
}

// File holds file contents.
type File struct {
	Contents string `json:"contents"`
}

// NewFileTree builds a tree from slash paths to contents.
func NewFileTree(files map[string]string) FileTree {
	tree := FileTree{}
	for name, contents := range files {
		tree.Add(name, contents)
	}
	return tree
}

// Add inserts a file, creating intermediate directories.
func (t FileTree) Add(name, contents string) {
	parts := strings.Split(strings.Trim(CleanPath(name), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return
	}

	dir := t
	for _, part := range parts[:len(parts)-1] {
		n, ok := dir[part]
		if !ok || n.Directory == nil {
			n = &Node{Directory: FileTree{}}
			dir[part] = n
		}
		dir = n.Directory
	}
	dir[parts[len(parts)-1]] = &Node{File: &File{Contents: contents}}
}

// Has reports whether a file exists at name.
func (t FileTree) Has(name string) bool {
	found := false
	clean := CleanPath(name)
	_ = t.Walk(func(p string, n *Node) error {
		if n.File != nil && p == clean {
			found = true
		}
		return nil
	})
	return found
}

// Walk visits every node in lexical order, directories before their contents.
// Paths passed to fn are absolute slash paths.
func (t FileTree) Walk(fn func(name string, n *Node) error) error {
	return t.walk("/", fn)
}

func (t FileTree) walk(prefix string, fn func(string, *Node) error) error {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := t[name]
		p := path.Join(prefix, name)
		if err := fn(p, n); err != nil {
			return err
		}
		if n.Directory != nil {
			if err := n.Directory.walk(p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
