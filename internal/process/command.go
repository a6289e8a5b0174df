package process

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// CommandLine is an executable plus arguments. When Raw is set it holds a
// shell command string that is handed to /bin/sh verbatim.
type CommandLine struct {
	Executable string
	Args       []string
	Raw        string
}

// NewCommandLine creates a CommandLine from an executable and arguments.
func NewCommandLine(executable string, args ...string) CommandLine {
	return CommandLine{Executable: executable, Args: args}
}

// ParseCommandLine splits a shell-style string into executable and
// arguments. Strings containing shell metacharacters are kept as Raw so the
// backend can decide whether to run them through a shell.
func ParseCommandLine(s string) (CommandLine, error) {
	if HasMetaChars(s) {
		return CommandLine{Raw: s}, nil
	}
	words, err := shellquote.Split(s)
	if err != nil {
		return CommandLine{}, fmt.Errorf("parse command line: %w", err)
	}
	if len(words) == 0 {
		return CommandLine{}, fmt.Errorf("parse command line: empty command")
	}
	return CommandLine{Executable: words[0], Args: words[1:]}, nil
}

// IsEmpty reports whether there is nothing to run.
func (c CommandLine) IsEmpty() bool {
	return c.Executable == "" && c.Raw == ""
}

// Argv returns executable and arguments as one slice. Raw commands are
// wrapped in /bin/sh -c.
func (c CommandLine) Argv() []string {
	if c.Raw != "" {
		return []string{"/bin/sh", "-c", c.Raw}
	}
	return append([]string{c.Executable}, c.Args...)
}

// String returns the command quoted for a POSIX shell.
func (c CommandLine) String() string {
	if c.Raw != "" {
		return c.Raw
	}
	return shellquote.Join(c.Argv()...)
}

// Prepend returns a new CommandLine running c under the given wrapper,
// e.g. Prepend("sudo", "-A").
func (c CommandLine) Prepend(executable string, args ...string) CommandLine {
	inner := c.Argv()
	return CommandLine{
		Executable: executable,
		Args:       append(append([]string{}, args...), inner...),
	}
}

// metaChars are the characters a POSIX shell interprets outside quotes.
const metaChars = "|&;<>()$`*?[#~"

// HasMetaChars reports whether s contains shell metacharacters outside of
// single or double quotes.
func HasMetaChars(s string) bool {
	var single, double, escaped bool
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !single:
			escaped = true
		case r == '\'' && !double:
			single = !single
		case r == '"' && !single:
			double = !double
		case single:
		case double:
			if r == '$' || r == '`' {
				return true
			}
		case strings.ContainsRune(metaChars, r):
			return true
		}
	}
	return false
}

// Environment maps variable names to values.
type Environment map[string]string

// Set assigns a variable.
func (e Environment) Set(key, value string) {
	e[key] = value
}

// Unset removes a variable.
func (e Environment) Unset(key string) {
	delete(e, key)
}

// Has reports whether key is set.
func (e Environment) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// Merge returns a copy of e overlaid with other.
func (e Environment) Merge(other Environment) Environment {
	out := make(Environment, len(e)+len(other))
	for k, v := range e {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Entries returns KEY=VALUE pairs sorted by key.
func (e Environment) Entries() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, k+"="+e[k])
	}
	return entries
}

// ParseEnvironment builds an Environment from KEY=VALUE pairs. Entries
// without '=' are ignored.
func ParseEnvironment(entries []string) Environment {
	env := make(Environment, len(entries))
	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}
