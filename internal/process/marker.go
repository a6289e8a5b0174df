package process

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

// MarkerEcho is the shell statement that prints the pid marker. $$ expands
// to the shell's pid, which exec hands over to the target command.
const MarkerEcho = "echo __qtc$$__"

// maxMarkerPrefix bounds the output held back while waiting for the marker.
const maxMarkerPrefix = 64 * 1024

var (
	markerLine  = regexp.MustCompile(`__qtc(\d+)__\r?\n`)
	markerFinal = regexp.MustCompile(`__qtc(\d+)__\r?$`)
)

// markerParser recovers the remote pid from the head of stdout. Bytes up to
// and including the marker line are swallowed; shell rc-file noise before
// the marker never reaches the caller.
type markerParser struct {
	buf      []byte
	found    bool
	pid      int
	overflow bool
}

// feed consumes a stdout chunk. Once the marker has been seen it returns
// the pid, found=true and the bytes that follow the marker; afterwards every
// chunk is passed through unchanged.
func (m *markerParser) feed(chunk []byte) (pid int, found bool, rest []byte) {
	if m.found {
		return m.pid, true, chunk
	}
	if m.overflow {
		return 0, false, nil
	}
	m.buf = append(m.buf, chunk...)

	loc := markerLine.FindSubmatchIndex(m.buf)
	if loc == nil {
		if len(m.buf) > maxMarkerPrefix {
			m.overflow = true
			m.buf = nil
		}
		return 0, false, nil
	}
	return m.accept(loc)
}

// overflowed reports whether more than maxMarkerPrefix bytes arrived
// without a marker. The parser discards everything after that.
func (m *markerParser) overflowed() bool {
	return m.overflow
}

// finish is called at end of stream and accepts a marker that was not
// followed by a newline.
func (m *markerParser) finish() (pid int, found bool, rest []byte) {
	if m.found {
		return m.pid, true, nil
	}
	loc := markerFinal.FindSubmatchIndex(m.buf)
	if loc == nil {
		return 0, false, nil
	}
	return m.accept(loc)
}

func (m *markerParser) accept(loc []int) (int, bool, []byte) {
	n, err := strconv.Atoi(string(m.buf[loc[2]:loc[3]]))
	if err != nil {
		return 0, false, nil
	}
	m.found = true
	m.pid = n
	rest := bytes.Clone(m.buf[loc[1]:])
	m.buf = nil
	return n, true, rest
}

// pending returns buffered bytes that have not been classified yet.
func (m *markerParser) pending() []byte {
	return m.buf
}

// MarkerScript builds the inner shell script run on the device:
//
//	cd <dir> && echo __qtc$$__ && K=V exec <cmd>
//
// Raw commands are exec'd through a nested /bin/sh -c.
func MarkerScript(setup Setup) string {
	parts := make([]string, 0, 3)
	if setup.WorkingDir != "" {
		parts = append(parts, "cd "+shellquote.Join(setup.WorkingDir))
	}
	parts = append(parts, MarkerEcho)

	var exec strings.Builder
	for _, entry := range setup.Env.Entries() {
		k, v, _ := strings.Cut(entry, "=")
		exec.WriteString(k)
		exec.WriteByte('=')
		exec.WriteString(shellquote.Join(v))
		exec.WriteByte(' ')
	}
	exec.WriteString("exec ")
	if setup.Command.Raw != "" {
		exec.WriteString(shellquote.Join("/bin/sh", "-c", setup.Command.Raw))
	} else {
		exec.WriteString(shellquote.Join(setup.Command.Argv()...))
	}
	parts = append(parts, exec.String())

	return strings.Join(parts, " && ")
}
