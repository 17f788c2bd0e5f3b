package protocol

import (
	"fmt"
	"html"
	"strings"
)

// Block is the metadata carried by a block-open tag.
type Block struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// actionTag is a decoded action-open tag before its body is known.
type actionTag struct {
	typ         string
	selfClosing bool
	attrs       map[string]string
}

// DecodeAction turns a complete action-open tag and its body into an Action.
// Unknown action types yield (nil, nil).
func DecodeAction(tag, body string) (Action, error) {
	t, err := parseActionTag(tag)
	if err != nil {
		return nil, err
	}
	switch t.typ {
	case "command":
		return t.command()
	case "file":
		hdr, err := t.file()
		if err != nil {
			return nil, err
		}
		return NewFileAction(hdr.Path, hdr.Operation, trimBody(body))
	default:
		return nil, nil
	}
}

func parseActionTag(tag string) (actionTag, error) {
	attrs, selfClosing, err := parseAttributes(tag, actionOpen)
	if err != nil {
		return actionTag{}, err
	}
	return actionTag{typ: attrs["type"], selfClosing: selfClosing, attrs: attrs}, nil
}

func (t actionTag) command() (CommandAction, error) {
	return NewCommandAction(t.attrs["command"], t.attrs["targetDir"])
}

// file validates the header of a file action. Content is filled in later.
func (t actionTag) file() (FileAction, error) {
	op, ok := parseOperation(t.attrs["contentType"])
	if !ok {
		return FileAction{}, fmt.Errorf("invalid contentType %q", t.attrs["contentType"])
	}
	return NewFileAction(t.attrs["filePath"], op, "")
}

func parseBlockTag(tag string) (Block, error) {
	attrs, _, err := parseAttributes(tag, blockOpen)
	if err != nil {
		return Block{}, err
	}
	return Block{ID: attrs["id"], Title: attrs["title"]}, nil
}

// parseAttributes reads key="value" pairs from a complete open tag such as
// `<Action type="file" filePath="a.txt">`. The first occurrence of a key wins.
func parseAttributes(tag, marker string) (map[string]string, bool, error) {
	if !strings.HasPrefix(tag, marker) || !strings.HasSuffix(tag, ">") {
		return nil, false, fmt.Errorf("not a %s tag", marker)
	}
	body := tag[len(marker) : len(tag)-1]

	selfClosing := false
	if trimmed := strings.TrimRight(body, " \t\r\n"); strings.HasSuffix(trimmed, "/") {
		selfClosing = true
		body = trimmed[:len(trimmed)-1]
	}

	attrs := make(map[string]string)
	set := func(k, v string) {
		if _, seen := attrs[k]; !seen {
			attrs[k] = v
		}
	}

	i := 0
	for {
		i = skipSpace(body, i)
		if i >= len(body) {
			break
		}
		start := i
		for i < len(body) && isNameChar(body[i]) {
			i++
		}
		if i == start {
			return nil, false, fmt.Errorf("unexpected character %q", body[i])
		}
		key := body[start:i]

		i = skipSpace(body, i)
		if i >= len(body) || body[i] != '=' {
			set(key, "")
			continue
		}
		i = skipSpace(body, i+1)
		if i >= len(body) {
			return nil, false, fmt.Errorf("missing value for attribute %q", key)
		}

		var value string
		if q := body[i]; q == '"' || q == '\'' {
			end := strings.IndexByte(body[i+1:], q)
			if end < 0 {
				return nil, false, fmt.Errorf("unterminated quote in attribute %q", key)
			}
			value = body[i+1 : i+1+end]
			i += end + 2
		} else {
			start := i
			for i < len(body) && !isSpace(body[i]) {
				i++
			}
			value = body[start:i]
		}
		set(key, html.UnescapeString(value))
	}
	return attrs, selfClosing, nil
}

// trimBody drops one leading and one trailing line break, nothing more.
func trimBody(s string) string {
	switch {
	case strings.HasPrefix(s, "\r\n"):
		s = s[2:]
	case strings.HasPrefix(s, "\n"):
		s = s[1:]
	}
	switch {
	case strings.HasSuffix(s, "\r\n"):
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "\n"):
		s = s[:len(s)-1]
	}
	return s
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '_' || c == ':' || c == '.'
}
