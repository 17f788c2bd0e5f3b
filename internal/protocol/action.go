package protocol

import (
	"fmt"
	"path"
	"strings"
)

// DefaultWorkingDir is where commands run when an action names no target directory.
const DefaultWorkingDir = "/app"

// Operation is the kind of change a FileAction makes.
type Operation string

const (
	OpCreate  Operation = "create"
	OpReplace Operation = "replace"
	OpDelete  Operation = "delete"
)

func parseOperation(s string) (Operation, bool) {
	switch Operation(s) {
	case OpCreate, OpReplace, OpDelete:
		return Operation(s), true
	default:
		return "", false
	}
}

// Action is a single side effect decoded from the stream.
// It is either a FileAction or a CommandAction.
type Action interface {
	Kind() string
	isAction()
}

// FileAction writes or removes one file in the sandbox.
type FileAction struct {
	Path      string    `json:"path" yaml:"path"`
	Operation Operation `json:"operation" yaml:"operation"`
	Content   string    `json:"content,omitempty" yaml:"content,omitempty"`
}

// CommandAction runs one shell command in the sandbox.
type CommandAction struct {
	Command    string `json:"command" yaml:"command"`
	WorkingDir string `json:"workingDir" yaml:"workingDir"`
}

func (FileAction) isAction()    {}
func (CommandAction) isAction() {}

// Kind returns "file".
func (FileAction) Kind() string { return "file" }

// Kind returns "command".
func (CommandAction) Kind() string { return "command" }

// NewFileAction validates and normalizes a file action. Content is dropped for deletes.
func NewFileAction(filePath string, op Operation, content string) (FileAction, error) {
	p, err := normalizePath(filePath)
	if err != nil {
		return FileAction{}, err
	}
	if _, ok := parseOperation(string(op)); !ok {
		return FileAction{}, fmt.Errorf("unknown content type %q", op)
	}
	if op == OpDelete {
		content = ""
	}
	return FileAction{Path: p, Operation: op, Content: content}, nil
}

// NewCommandAction validates a command action, defaulting the working directory.
func NewCommandAction(command, workingDir string) (CommandAction, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return CommandAction{}, fmt.Errorf("command is empty")
	}
	if workingDir == "" {
		workingDir = DefaultWorkingDir
	}
	return CommandAction{Command: command, WorkingDir: workingDir}, nil
}

// Argv splits the command on whitespace. Quoting is not interpreted.
func (c CommandAction) Argv() (program string, args []string) {
	fields := strings.Fields(c.Command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// IsFileAction reports whether a is a FileAction.
func IsFileAction(a Action) bool {
	_, ok := a.(FileAction)
	return ok
}

// Describe renders a short human label for an action.
func Describe(a Action) string {
	switch v := a.(type) {
	case FileAction:
		return fmt.Sprintf("%s %s", v.Operation, v.Path)
	case CommandAction:
		return fmt.Sprintf("run %q in %s", v.Command, v.WorkingDir)
	default:
		return "unknown action"
	}
}

// normalizePath makes a sandbox-relative slash path and rejects escapes.
func normalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimLeft(p, "/")
	for strings.HasPrefix(p, "./") {
		p = strings.TrimLeft(p[2:], "/")
	}
	if p == "" {
		return "", fmt.Errorf("file path is empty")
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("file path %q escapes the project root", p)
	}
	return cleaned, nil
}
