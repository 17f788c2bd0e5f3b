package project

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"
	"time"
)

// Scope selects which part of the project is exported.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeApp       Scope = "app"
	ScopeContracts Scope = "contracts"
)

// ParseScope maps a query value to a Scope. Unknown values mean ScopeAll.
func ParseScope(s string) Scope {
	switch Scope(s) {
	case ScopeApp, ScopeContracts:
		return Scope(s)
	default:
		return ScopeAll
	}
}

// ArchiveName is the download file name for a scope, e.g. "sei-project-webapp-2025-01-02.zip".
func ArchiveName(projectName string, scope Scope, at time.Time) string {
	suffix := "complete"
	switch scope {
	case ScopeApp:
		suffix = "webapp"
	case ScopeContracts:
		suffix = "contracts"
	}
	return fmt.Sprintf("%s-%s-%s.zip", projectName, suffix, at.Format("2006-01-02"))
}

// WriteArchive zips the exportable files in scope to w and returns how many
// were written. For app and contracts scopes the top directory is stripped.
func (s *Store) WriteArchive(w io.Writer, scope Scope) (int, error) {
	zw := zip.NewWriter(w)
	count := 0
	for _, f := range s.Files() {
		if ShouldExclude(f.Path) || len(f.Content) > MaxFileSize {
			continue
		}
		name := f.Path
		if scope != ScopeAll {
			prefix := string(scope) + "/"
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}

		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: time.UnixMilli(f.LastModified),
		})
		if err != nil {
			return count, fmt.Errorf("failed to add %s: %w", f.Path, err)
		}
		if _, err := io.WriteString(fw, f.Content); err != nil {
			return count, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		count++
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("failed to finish archive: %w", err)
	}
	return count, nil
}
