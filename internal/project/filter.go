package project

import (
	"path"
	"strings"

	"github.com/samber/lo"

	"github.com/sokinpui/artifact/model"
)

const (
	// MaxFileSize is the largest file sent to the API or exported.
	MaxFileSize = 1 << 20
	// MaxVisibleFiles caps how many files go into one request.
	MaxVisibleFiles = 100
)

var (
	excludedDirectories = []string{
		"node_modules", "dist", "build", "artifacts", ".git", ".next", "coverage",
		".nyc_output", "tmp", "temp", ".cache", ".parcel-cache", ".vscode", ".idea",
	}
	excludedExtensions = []string{
		".log", ".tmp", ".temp", ".cache", ".lock", ".ds_store",
		".env.local", ".env.development.local", ".env.test.local", ".env.production.local",
	}
	excludedFiles = []string{
		"package-lock.json", "yarn.lock", "pnpm-lock.yaml", ".gitignore", ".eslintcache", "thumbs.db",
	}
)

// ShouldExclude reports whether a file is build output, a lock file or editor
// noise that is never sent to the API.
func ShouldExclude(filePath string) bool {
	p := strings.ToLower(filePath)
	for _, dir := range excludedDirectories {
		if strings.Contains(p, "/"+dir+"/") || strings.HasPrefix(p, dir+"/") || strings.HasSuffix(p, "/"+dir) {
			return true
		}
	}
	for _, ext := range excludedExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return lo.Contains(excludedFiles, path.Base(p))
}

// Partition splits files into the ones sent with content and the paths of
// the ones left out.
func Partition(files []model.ProjectFile) (visible []model.ProjectFile, hidden []string) {
	visible, rest := lo.FilterReject(files, func(f model.ProjectFile, _ int) bool {
		return !ShouldExclude(f.Path) && len(f.Content) <= MaxFileSize
	})
	hidden = lo.Map(rest, func(f model.ProjectFile, _ int) string { return f.Path })
	if len(visible) > MaxVisibleFiles {
		for _, f := range visible[MaxVisibleFiles:] {
			hidden = append(hidden, f.Path)
		}
		visible = visible[:MaxVisibleFiles]
	}
	if hidden == nil {
		hidden = []string{}
	}
	return visible, hidden
}
