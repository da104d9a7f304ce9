package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer writes indented, line-oriented output to one or more hooks. It also
// keeps a single "live" line (call status, mic level) that is redrawn in place
// and cleared before regular output.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
	live   bool
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{
		indStr: indentString,
		hooks:  hooks,
	}, nil
}

func (p *Printer) emit(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) indent(s string, ind int) string {
	indent := strings.Repeat(p.indStr, ind)
	var b strings.Builder
	first := true
	for line := range strings.SplitSeq(s, "\n") {
		if !first {
			b.WriteString("\n")
		}
		first = false
		b.WriteString(indent)
		b.WriteString(line)
	}
	return b.String()
}

func (p *Printer) clearLive() error {
	if !p.live {
		return nil
	}
	p.live = false
	return p.emit("\r\033[K")
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.clearLive(); err != nil {
		return err
	}
	return p.emit(p.indent(s, ind))
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.clearLive(); err != nil {
		return err
	}
	return p.emit(p.indent(s, ind) + "\n")
}

// Live redraws the live line with s. Newlines in s are flattened.
func (p *Printer) Live(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = true
	return p.emit("\r\033[K" + strings.ReplaceAll(s, "\n", " "))
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.clearLive(); err != nil {
		return err
	}
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
