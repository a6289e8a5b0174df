package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Command is required
	if strings.TrimSpace(cfg.Command) == "" {
		errs = append(errs, ValidationError{
			Field:   "command",
			Message: "a command is required (-cmd or arguments after --)",
		})
	} else if _, err := shellquote.Split(cfg.Command); err != nil {
		errs = append(errs, ValidationError{
			Field:   "command",
			Message: err.Error(),
		})
	}

	// Device kind and its required fields
	switch strings.ToLower(cfg.DeviceKind) {
	case "desktop", "local":
	case "container", "docker":
		if cfg.Container == "" {
			errs = append(errs, ValidationError{
				Field:   "container",
				Message: "container device requires -container",
			})
		}
	case "remote", "ssh":
		if cfg.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "host",
				Message: "remote device requires -host",
			})
		}
		if strings.Contains(cfg.Host, "://") {
			errs = append(errs, ValidationError{
				Field:   "host",
				Message: "must be a host name, not a URL",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "device_kind",
			Message: fmt.Sprintf("must be one of: desktop, container, remote (got %q)", cfg.DeviceKind),
		})
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port",
			Message: fmt.Sprintf("must be between 0 and 65535 (got %d)", cfg.Port),
		})
	}

	validHostKey := map[string]bool{"": true, "yes": true, "no": true, "accept-new": true}
	if !validHostKey[cfg.HostKeyCheck] {
		errs = append(errs, ValidationError{
			Field:   "host_key_check",
			Message: fmt.Sprintf("must be 'yes', 'no' or 'accept-new' (got %q)", cfg.HostKeyCheck),
		})
	}

	if cfg.RunMode == "" {
		errs = append(errs, ValidationError{
			Field:   "run_mode",
			Message: "must not be empty",
		})
	}

	for _, e := range cfg.Env {
		if !strings.Contains(e, "=") || strings.HasPrefix(e, "=") {
			errs = append(errs, ValidationError{
				Field:   "env",
				Message: fmt.Sprintf("expected NAME=VALUE (got %q)", e),
			})
		}
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	// Timeouts
	if cfg.StartTimeout < 0 {
		errs = append(errs, ValidationError{Field: "start_timeout", Message: "must not be negative"})
	}
	if cfg.StopTimeout < 0 {
		errs = append(errs, ValidationError{Field: "stop_timeout", Message: "must not be negative"})
	}
	if cfg.Duration < 0 {
		errs = append(errs, ValidationError{Field: "duration", Message: "must not be negative"})
	}
	if cfg.StopGrace <= 0 {
		errs = append(errs, ValidationError{Field: "stop_grace", Message: "must be positive"})
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "shutdown_timeout", Message: "must be positive"})
	}
	if cfg.SSHIdleTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "ssh_idle_timeout", Message: "must be positive"})
	}

	if cfg.OutputLines < 1 {
		errs = append(errs, ValidationError{Field: "output_lines", Message: "must be at least 1"})
	}
	if cfg.OutputRate < 1 {
		errs = append(errs, ValidationError{Field: "output_rate", Message: "must be at least 1"})
	}

	// Backoff settings
	if cfg.MaxRestarts < 0 {
		errs = append(errs, ValidationError{Field: "max_restarts", Message: "must not be negative"})
	}
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	errs = append(errs, validateHelpers(cfg.Helpers)...)

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateHelpers checks names are unique and dependencies resolve.
// Cycles are left to the run control, which rejects them on registration.
func validateHelpers(helpers []HelperConfig) []error {
	var errs []error
	names := map[string]bool{TargetName: true}
	for _, h := range helpers {
		if names[h.Name] {
			errs = append(errs, ValidationError{
				Field:   "helpers",
				Message: fmt.Sprintf("duplicate worker name %q", h.Name),
			})
		}
		names[h.Name] = true

		switch h.Kind {
		case HelperProcess, HelperShellCheck:
			if h.Command == "" {
				errs = append(errs, ValidationError{
					Field:   "helpers",
					Message: fmt.Sprintf("%s: %s helper requires a command", h.Name, h.Kind),
				})
			}
		case HelperDelay:
			if h.Delay <= 0 {
				errs = append(errs, ValidationError{
					Field:   "helpers",
					Message: fmt.Sprintf("%s: delay helper requires a positive delay", h.Name),
				})
			}
		default:
			errs = append(errs, ValidationError{
				Field:   "helpers",
				Message: fmt.Sprintf("%s: unknown kind %q", h.Name, h.Kind),
			})
		}
	}
	for _, h := range helpers {
		for _, dep := range append(append([]string{}, h.StartAfter...), h.StopAfter...) {
			if !names[dep] {
				errs = append(errs, ValidationError{
					Field:   "helpers",
					Message: fmt.Sprintf("%s: unknown dependency %q", h.Name, dep),
				})
			}
		}
	}
	return errs
}
