// Package hostsfile renders membership snapshots into hosts file format and
// replaces the target file atomically.
package hostsfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pingsantohq/hostsync/internal/snapshot"
)

const (
	DefaultPath      = "/etc/hosts"
	DefaultAgentName = "hostsync agent"
	defaultPerm      = 0o644
)

// ErrWrite wraps every failure to replace the hosts file.
var ErrWrite = errors.New("hosts file write failed")

// Render returns the complete file contents for s.
func Render(agentName string, s snapshot.Snapshot) []byte {
	if agentName == "" {
		agentName = DefaultAgentName
	}
	var buf bytes.Buffer
	buf.WriteString("\n#\n# This is a HOSTS file generated by the ")
	buf.WriteString(agentName)
	buf.WriteString("\n#\n\n\n")
	for m := range s.All() {
		buf.WriteString(m.Address)
		buf.WriteString("\t\t")
		buf.WriteString(m.Alias)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Writer replaces a hosts file with rendered snapshots.
type Writer struct {
	path      string
	agentName string
	perm      os.FileMode
}

type Option func(*Writer)

// WithAgentName sets the name shown in the generated header.
func WithAgentName(name string) Option {
	return func(w *Writer) {
		if name != "" {
			w.agentName = name
		}
	}
}

// WithPerm sets the mode of the written file.
func WithPerm(perm os.FileMode) Option {
	return func(w *Writer) {
		if perm != 0 {
			w.perm = perm
		}
	}
}

// New returns a writer for path, DefaultPath when empty.
func New(path string, opts ...Option) *Writer {
	if path == "" {
		path = DefaultPath
	}
	w := &Writer{
		path:      path,
		agentName: DefaultAgentName,
		perm:      defaultPerm,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) AgentName() string {
	return w.agentName
}

// Write renders s and swaps it into place. The file is written next to the
// target and renamed over it, so readers never observe a partial file.
func (w *Writer) Write(s snapshot.Snapshot) error {
	data := Render(w.agentName, s)

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file in %q: %v", ErrWrite, dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file %q: %v", ErrWrite, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync temp file %q: %v", ErrWrite, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file %q: %v", ErrWrite, tmpName, err)
	}
	if err := os.Chmod(tmpName, w.perm); err != nil {
		return fmt.Errorf("%w: chmod temp file %q: %v", ErrWrite, tmpName, err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("%w: commit %q: %v", ErrWrite, w.path, err)
	}
	committed = true
	return nil
}
