package device

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

func (d *Device) test(ctx context.Context, flag, path string) bool {
	return d.shell.RunInShell(ctx, "test "+flag+" "+shellquote.Join(path), nil)
}

// Exists reports whether path exists on the device.
func (d *Device) Exists(ctx context.Context, path string) bool { return d.test(ctx, "-e", path) }

// IsFile reports whether path is a regular file.
func (d *Device) IsFile(ctx context.Context, path string) bool { return d.test(ctx, "-f", path) }

// IsDir reports whether path is a directory.
func (d *Device) IsDir(ctx context.Context, path string) bool { return d.test(ctx, "-d", path) }

// IsExecutable reports whether path is executable by the shell's user.
func (d *Device) IsExecutable(ctx context.Context, path string) bool {
	return d.test(ctx, "-x", path)
}

// FileSize returns the size of path in bytes, following symlinks.
func (d *Device) FileSize(ctx context.Context, path string) (int64, error) {
	out, err := d.shell.OutputFor(ctx, "stat -L -c %s "+shellquote.Join(path))
	if err != nil {
		return 0, fmt.Errorf("file size of %s: %w", path, err)
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("file size of %s: unexpected output %q", path, out)
	}
	return n, nil
}

// Permissions returns the permission bits of path.
func (d *Device) Permissions(ctx context.Context, path string) (os.FileMode, error) {
	out, err := d.shell.OutputFor(ctx, "stat -L -c %a "+shellquote.Join(path))
	if err != nil {
		return 0, fmt.Errorf("permissions of %s: %w", path, err)
	}
	bits, err := strconv.ParseUint(string(bytes.TrimSpace(out)), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("permissions of %s: unexpected output %q", path, out)
	}
	return os.FileMode(bits), nil
}

// ReadLink resolves path to its canonical absolute form.
func (d *Device) ReadLink(ctx context.Context, path string) (string, error) {
	out, err := d.shell.OutputFor(ctx, "readlink -f "+shellquote.Join(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// ReadFile returns the contents of path.
func (d *Device) ReadFile(ctx context.Context, path string) ([]byte, error) {
	out, err := d.shell.OutputFor(ctx, "cat "+shellquote.Join(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// WriteFile replaces the contents of path with data.
func (d *Device) WriteFile(ctx context.Context, path string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	r, err := d.shell.Run(ctx, "cat > "+shellquote.Join(path), data)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if r.ExitCode != 0 {
		return fmt.Errorf("write %s: %s", path, strings.TrimSpace(string(r.Stderr)))
	}
	return nil
}

// Remove deletes path. Removing a missing file is not an error.
func (d *Device) Remove(ctx context.Context, path string) error {
	r, err := d.shell.Run(ctx, "rm -f "+shellquote.Join(path), nil)
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if r.ExitCode != 0 {
		return fmt.Errorf("remove %s: %s", path, strings.TrimSpace(string(r.Stderr)))
	}
	return nil
}
