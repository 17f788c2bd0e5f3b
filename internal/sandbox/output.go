package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// MaxOutputSize caps the output retained per process.
const MaxOutputSize = 1 << 20

// OutputCollector captures process output with partial-line buffering.
// Complete lines are handed to onLine.
type OutputCollector struct {
	mu        sync.Mutex
	output    strings.Builder
	partial   bytes.Buffer
	truncated bool
	tee       io.Writer
	onLine    func(string)
}

// NewOutputCollector returns a collector that copies output to tee, if set.
func NewOutputCollector(tee io.Writer, onLine func(string)) *OutputCollector {
	return &OutputCollector{tee: tee, onLine: onLine}
}

// Write implements io.Writer for the collector
func (c *OutputCollector) Write(p []byte) (int, error) {
	c.mu.Lock()
	var lines []string
	for _, b := range p {
		if b == '\n' {
			line := c.partial.String()
			c.partial.Reset()
			c.addLine(line)
			lines = append(lines, line)
		} else {
			c.partial.WriteByte(b)
		}
	}
	tee, onLine := c.tee, c.onLine
	c.mu.Unlock()

	if tee != nil {
		_, _ = tee.Write(p)
	}
	if onLine != nil {
		for _, line := range lines {
			onLine(line)
		}
	}
	return len(p), nil
}

// addLine must be called with mu held.
func (c *OutputCollector) addLine(line string) {
	if c.truncated {
		return
	}
	if c.output.Len()+len(line)+1 > MaxOutputSize {
		c.truncated = true
		c.output.WriteString("\n... output truncated ...\n")
		return
	}
	c.output.WriteString(line)
	c.output.WriteByte('\n')
}

// String returns the captured output including any unterminated last line.
func (c *OutputCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.String() + c.partial.String()
}

// Flush hands a trailing line without newline to onLine. Call it once the
// process has exited.
func (c *OutputCollector) Flush() {
	c.mu.Lock()
	line := c.partial.String()
	c.partial.Reset()
	if line != "" {
		c.addLine(line)
	}
	onLine := c.onLine
	c.mu.Unlock()

	if line != "" && onLine != nil {
		onLine(line)
	}
}

var serverURLPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d{2,5})`)

// ReadyNotifier fans server-ready events out to subscribers.
type ReadyNotifier struct {
	mu        sync.Mutex
	funcs     []ServerReadyFunc
	publicURL func(port int) (string, bool)
}

// NewReadyNotifier returns a notifier. publicURL maps a port seen in process
// output to a browser URL; nil means the port is reachable on localhost.
func NewReadyNotifier(publicURL func(port int) (string, bool)) *ReadyNotifier {
	if publicURL == nil {
		publicURL = func(port int) (string, bool) {
			return fmt.Sprintf("http://localhost:%d", port), true
		}
	}
	return &ReadyNotifier{publicURL: publicURL}
}

// Subscribe registers fn for every future announcement.
func (n *ReadyNotifier) Subscribe(fn ServerReadyFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.funcs = append(n.funcs, fn)
}

func (n *ReadyNotifier) fire(port int, url string) {
	n.mu.Lock()
	funcs := append([]ServerReadyFunc(nil), n.funcs...)
	n.mu.Unlock()

	getLog().Info().Int("port", port).Str("url", url).Msg("Server ready")
	for _, fn := range funcs {
		fn(port, url)
	}
}

// Watcher returns a line handler for one process. Each port fires once per process.
func (n *ReadyNotifier) Watcher() func(string) {
	var mu sync.Mutex
	seen := make(map[int]bool)
	return func(line string) {
		port, ok := DetectServerPort(line)
		if !ok {
			return
		}
		mu.Lock()
		dup := seen[port]
		seen[port] = true
		mu.Unlock()
		if dup {
			return
		}
		if url, ok := n.publicURL(port); ok {
			n.fire(port, url)
		}
	}
}

// DetectServerPort finds a local server URL in a line of process output.
func DetectServerPort(line string) (int, bool) {
	m := serverURLPattern.FindStringSubmatch(ansi.Strip(line))
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
