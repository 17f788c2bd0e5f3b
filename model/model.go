package model

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat history.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	// Content is what the user sees: narrative text with artifact blocks removed.
	Content string `json:"content"`
	// FullContent is the raw assistant response, sent back to the API as history.
	FullContent      string            `json:"fullContent,omitempty"`
	StreamingActions []StreamingAction `json:"streamingActions,omitempty"`
}

// StreamingAction is the per-action status shown alongside an assistant message.
type StreamingAction struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	FilePath    string `json:"filePath,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Command     string `json:"command,omitempty"`
	TargetDir   string `json:"targetDir,omitempty"`
	IsCompleted bool   `json:"isCompleted"`
	IsFailed    bool   `json:"isFailed,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ProjectFile is one file of the generated project.
type ProjectFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	// LastModified is in Unix milliseconds.
	LastModified int64 `json:"lastModified"`
}

// FileNode is a node of the project tree shown in file explorers.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Type     string     `json:"type"`
	Children []FileNode `json:"children,omitempty"`
}

// Summary holds the results of an operation for display.
type Summary struct {
	Created    []string `json:"created,omitempty"`
	Modified   []string `json:"modified,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
	Commands   []string `json:"commands,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Message    string   `json:"message"`
	PreviewURL string   `json:"previewUrl,omitempty"`
}
