package protocol

import (
	"strings"
)

const (
	blockOpen   = "<Artifact"
	blockClose  = "</Artifact>"
	actionOpen  = "<Action"
	actionClose = "</Action>"
)

// DefaultMaxTagLength bounds how far the scanner looks for the end of an open tag.
const DefaultMaxTagLength = 4096

const minTagLength = 64

type scanMode int

const (
	modeText scanMode = iota
	modeBlock
	modeBody
)

type markerStatus int

const (
	markerNone markerStatus = iota
	markerUndecided
	markerFound
)

type tagStatus int

const (
	tagComplete tagStatus = iota
	tagIncomplete
	tagMalformed
)

// ParseState is the scanner position for a single stream. It is not safe for
// concurrent use.
type ParseState struct {
	maxTag  int
	pending string
	offset  int
	mode    scanMode

	display strings.Builder
	actions []Action
	blocks  []Block
	errs    []*ProtocolError

	open *openAction
	body strings.Builder

	applied bool
}

// openAction is a file action whose body is still arriving.
type openAction struct {
	header FileAction
	offset int
	skip   bool
}

// NewParseState returns an empty state. maxTagLength <= 0 selects DefaultMaxTagLength.
func NewParseState(maxTagLength int) *ParseState {
	switch {
	case maxTagLength <= 0:
		maxTagLength = DefaultMaxTagLength
	case maxTagLength < minTagLength:
		maxTagLength = minTagLength
	}
	return &ParseState{maxTag: maxTagLength}
}

// Feed appends a fragment and consumes everything that can be decided.
func (s *ParseState) Feed(fragment string) {
	if fragment == "" {
		return
	}
	s.pending += fragment
	s.scan(false)
}

// Finish drains the pending tail as end of stream.
func (s *ParseState) Finish() {
	s.scan(true)
}

// InsideBlock reports whether the scanner is between a block open and close.
func (s *ParseState) InsideBlock() bool { return s.mode != modeText }

// DisplayText returns the narrative text seen so far.
func (s *ParseState) DisplayText() string { return s.display.String() }

// PendingLen is the number of buffered bytes not yet decided.
func (s *ParseState) PendingLen() int { return len(s.pending) }

// Result copies out everything decoded so far.
func (s *ParseState) Result() Result {
	return Result{
		DisplayText: s.display.String(),
		Actions:     append([]Action(nil), s.actions...),
		Blocks:      append([]Block(nil), s.blocks...),
		Errors:      append([]*ProtocolError(nil), s.errs...),
	}
}

// Pending describes the file action currently receiving its body, if any.
func (s *ParseState) Pending() *PendingAction {
	if s.open == nil || s.open.skip {
		return nil
	}
	return &PendingAction{
		Path:      s.open.header.Path,
		Operation: s.open.header.Operation,
		Bytes:     s.body.Len(),
	}
}

func (s *ParseState) scan(final bool) {
	buf := s.pending
	i := 0
	for i < len(buf) {
		var hold bool
		switch s.mode {
		case modeText:
			i, hold = s.scanText(buf, i, final)
		case modeBlock:
			i, hold = s.scanBlock(buf, i, final)
		case modeBody:
			i, hold = s.scanBody(buf, i, final)
		}
		if hold {
			break
		}
	}
	if final && s.mode == modeBody {
		s.fail(s.open.offset-s.offset, actionOpen, "action not closed at end of stream")
		s.closeBody(false)
		s.mode = modeBlock
	}
	s.offset += i
	s.pending = buf[i:]
}

func (s *ParseState) scanText(buf string, i int, final bool) (int, bool) {
	p, st := findOpen(buf, i, blockOpen)
	switch st {
	case markerNone:
		if final {
			s.display.WriteString(buf[i:])
			return len(buf), false
		}
		keep := len(buf) - partialSuffix(buf[i:], blockOpen)
		s.display.WriteString(buf[i:keep])
		return keep, true
	case markerUndecided:
		s.display.WriteString(buf[i:p])
		if final {
			s.fail(p, blockOpen, "truncated tag at end of stream")
			return len(buf), false
		}
		return p, true
	}

	s.display.WriteString(buf[i:p])
	end, ts := s.findTagEnd(buf, p, final)
	switch ts {
	case tagIncomplete:
		return p, true
	case tagMalformed:
		s.fail(p, blockOpen, "tag not terminated")
		return end, false
	}

	blk, err := parseBlockTag(buf[p:end])
	if err != nil {
		s.fail(p, blockOpen, err.Error())
	}
	s.blocks = append(s.blocks, blk)
	s.mode = modeBlock
	return end, false
}

func (s *ParseState) scanBlock(buf string, i int, final bool) (int, bool) {
	c := indexFrom(buf, i, blockClose)
	a, st := findOpen(buf, i, actionOpen)
	if c >= 0 && (st == markerNone || c < a) {
		s.mode = modeText
		return c + len(blockClose), false
	}

	switch st {
	case markerNone:
		if final {
			return len(buf), false
		}
		tail := max(partialSuffix(buf[i:], blockClose), partialSuffix(buf[i:], actionOpen))
		return len(buf) - tail, true
	case markerUndecided:
		if final {
			s.fail(a, actionOpen, "truncated tag at end of stream")
			return len(buf), false
		}
		return a, true
	}

	end, ts := s.findTagEnd(buf, a, final)
	switch ts {
	case tagIncomplete:
		return a, true
	case tagMalformed:
		s.fail(a, actionOpen, "tag not terminated")
		return end, false
	}
	s.openTag(buf[a:end], a)
	return end, false
}

func (s *ParseState) scanBody(buf string, i int, final bool) (int, bool) {
	c := indexFrom(buf, i, actionClose)
	b := indexFrom(buf, i, blockClose)
	if b >= 0 && (c < 0 || b < c) {
		s.appendBody(buf[i:b])
		s.fail(s.open.offset-s.offset, actionOpen, "block closed before action")
		s.closeBody(false)
		s.mode = modeText
		return b + len(blockClose), false
	}
	if c >= 0 {
		s.appendBody(buf[i:c])
		s.closeBody(true)
		s.mode = modeBlock
		return c + len(actionClose), false
	}
	if final {
		s.appendBody(buf[i:])
		return len(buf), false
	}
	keep := len(buf) - max(partialSuffix(buf[i:], actionClose), partialSuffix(buf[i:], blockClose))
	s.appendBody(buf[i:keep])
	return keep, true
}

// openTag handles a complete action-open tag at buffer position pos.
func (s *ParseState) openTag(tag string, pos int) {
	t, err := parseActionTag(tag)
	if err != nil {
		s.fail(pos, actionOpen, err.Error())
		return
	}

	switch t.typ {
	case "command":
		cmd, err := t.command()
		if err != nil {
			s.fail(pos, actionOpen, err.Error())
			return
		}
		s.actions = append(s.actions, cmd)

	case "file":
		hdr, err := t.file()
		if err != nil {
			s.fail(pos, actionOpen, err.Error())
		}
		if t.selfClosing {
			if err == nil {
				s.actions = append(s.actions, hdr)
			}
			return
		}
		s.open = &openAction{header: hdr, offset: s.offset + pos, skip: err != nil}
		s.body.Reset()
		s.mode = modeBody

	default:
		getLog().Debug().Str("type", t.typ).Int("offset", s.offset+pos).Msg("Ignoring action of unknown type")
	}
}

func (s *ParseState) appendBody(text string) {
	if s.open == nil || s.open.skip || s.open.header.Operation == OpDelete {
		return
	}
	s.body.WriteString(text)
}

func (s *ParseState) closeBody(ok bool) {
	if ok && !s.open.skip {
		a := s.open.header
		if a.Operation != OpDelete {
			a.Content = trimBody(s.body.String())
		}
		s.actions = append(s.actions, a)
	}
	s.open = nil
	s.body.Reset()
}

// fail records a protocol error for a tag at buffer position pos.
func (s *ParseState) fail(pos int, tag, reason string) {
	err := &ProtocolError{Offset: s.offset + pos, Tag: tag, Reason: reason}
	s.errs = append(s.errs, err)
	getLog().Warn().Err(err).Msg("Skipping malformed tag")
}

// findTagEnd looks for the '>' that closes the open tag starting at start.
// On success the returned index is just past '>'. For a malformed tag it is
// the position to resume scanning at.
func (s *ParseState) findTagEnd(buf string, start int, final bool) (int, tagStatus) {
	limit := min(start+s.maxTag, len(buf))

	var quote byte
	var last byte
	for k := start + 1; k < limit; k++ {
		c := buf[k]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				last = c
			}
			continue
		case (c == '"' || c == '\'') && last == '=':
			quote = c
		case c == '>':
			return k + 1, tagComplete
		}
		if !isSpace(c) {
			last = c
		}
	}

	if len(buf)-start < s.maxTag && !final {
		return 0, tagIncomplete
	}
	if r := strings.IndexByte(buf[start+1:limit], '>'); r >= 0 {
		return start + 1 + r + 1, tagMalformed
	}
	return limit, tagMalformed
}

// findOpen finds the first occurrence of an open marker that is followed by a
// tag-name boundary. A marker at the very end of buf is undecided.
func findOpen(buf string, from int, marker string) (int, markerStatus) {
	for {
		k := indexFrom(buf, from, marker)
		if k < 0 {
			return -1, markerNone
		}
		after := k + len(marker)
		if after == len(buf) {
			return k, markerUndecided
		}
		if c := buf[after]; isSpace(c) || c == '>' || c == '/' {
			return k, markerFound
		}
		from = k + 1
	}
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	n := min(len(s), len(marker)-1)
	for ; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

func indexFrom(s string, from int, sub string) int {
	k := strings.Index(s[from:], sub)
	if k < 0 {
		return -1
	}
	return k + from
}
