// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// maxSocketPath is the portable bound on a unix socket path (macOS sun_path).
const maxSocketPath = 104

// controlSocketNameLen covers the "cm-xxxxxxxx-N" names the ssh pool uses.
const controlSocketNameLen = 20

// Options select which checks apply.
type Options struct {
	DeviceKind       string // desktop, container, remote
	SSHBinary        string
	DockerBinary     string
	ControlSocketDir string
	// Processes is how many processes the session may run at once.
	Processes int
}

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes the checks that apply to opts.
func RunAll(opts Options) *Result {
	if opts.Processes < 1 {
		opts.Processes = 1
	}
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	result.add(checkFileDescriptors(opts.Processes))
	result.add(checkProcessLimit(opts.Processes))
	result.add(checkShell())

	switch strings.ToLower(opts.DeviceKind) {
	case "remote", "ssh":
		result.add(checkBinary("ssh", opts.SSHBinary, "-V"))
		result.add(checkControlSocketDir(opts.ControlSocketDir))
	case "container", "docker":
		result.add(checkBinary("docker", opts.DockerBinary, "--version"))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(processes int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Each process holds three pipes or a pty plus its ssh or docker client,
	// and the device shell and control master need their own.
	required := processes*16 + 64
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d processes)", actual, required, processes),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(processes int) Check {
	required := processes*2 + 50

	// Read soft limit from /proc/self/limits
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses reads the soft "Max processes" limit from
// /proc/self/limits content. Returns 0 when absent.
func parseMaxProcesses(limits string) int {
	actual := 0
	for _, line := range strings.Split(limits, "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[2] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[2], "%d", &actual)
				}
			}
			break
		}
	}
	return actual
}

// checkShell verifies /bin/sh exists; the device shell and raw command
// lines depend on it.
func checkShell() Check {
	info, err := os.Stat("/bin/sh")
	if err != nil {
		if path, lerr := exec.LookPath("sh"); lerr == nil {
			return Check{Name: "shell", Passed: true, Warning: true, Message: fmt.Sprintf("/bin/sh missing, using %s", path)}
		}
		return Check{Name: "shell", Passed: false, Message: fmt.Sprintf("not found: %v", err)}
	}
	if info.Mode()&0o111 == 0 {
		return Check{Name: "shell", Passed: false, Message: "/bin/sh is not executable"}
	}
	return Check{Name: "shell", Passed: true, Message: "/bin/sh"}
}

// checkBinary verifies a client binary runs and reports its version.
func checkBinary(name, path string, versionArgs ...string) Check {
	if path == "" {
		path = name
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	// ssh -V prints to stderr
	output, err := exec.Command(resolved, versionArgs...).CombinedOutput()
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s failed: %v", resolved, err),
		}
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s (%s)", resolved, firstLine(string(output))),
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "unknown version"
	}
	return s
}

// checkControlSocketDir verifies the ssh control socket directory can be
// created and written, and that socket paths fit the sun_path limit.
func checkControlSocketDir(dir string) Check {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "runctl-ssh")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Check{Name: "control_socket_dir", Passed: false, Message: fmt.Sprintf("%s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "control_socket_dir", Passed: false, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())

	if n := len(dir) + 1 + controlSocketNameLen; n > maxSocketPath {
		return Check{
			Name:    "control_socket_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s is too long for unix sockets (%d > %d bytes)", dir, n, maxSocketPath),
		}
	}
	return Check{Name: "control_socket_dir", Passed: true, Message: dir}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "shell":
		return "install a POSIX shell at /bin/sh"
	case "ssh":
		return "install the OpenSSH client (apt install openssh-client) or pass -ssh"
	case "docker":
		return "install the docker CLI or pass -docker"
	case "control_socket_dir":
		return "pass -control-dir with a short, writable path such as /tmp/runctl"
	default:
		return "see documentation"
	}
}
