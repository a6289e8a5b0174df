package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed session.schema.json
var sessionSchemaJSON []byte

var (
	sessionSchema *jsonschema.Schema
	compileOnce   sync.Once
	compileErr    error
)

// SessionFile is the YAML description of a session. Unset fields leave
// the flag values alone.
type SessionFile struct {
	Device   DeviceSection   `yaml:"device"`
	Runnable RunnableSection `yaml:"runnable"`
	Timeouts TimeoutSection  `yaml:"timeouts"`
	Helpers  []HelperConfig  `yaml:"helpers"`
}

// DeviceSection selects the device.
type DeviceSection struct {
	Kind         string `yaml:"kind"`
	Host         string `yaml:"host"`
	User         string `yaml:"user"`
	Port         int    `yaml:"port"`
	IdentityFile string `yaml:"identity_file"`
	ProxyJump    string `yaml:"proxy_jump"`
	HostKeyCheck string `yaml:"host_key_check"`
	Container    string `yaml:"container"`
}

// RunnableSection describes the target.
type RunnableSection struct {
	Command    string   `yaml:"command"`
	WorkingDir string   `yaml:"working_dir"`
	Env        []string `yaml:"env"`
	RunMode    string   `yaml:"run_mode"`
	ConfigKind string   `yaml:"config_kind"`
	Terminal   *bool    `yaml:"terminal"`
	RunAsRoot  *bool    `yaml:"run_as_root"`
	Essential  *bool    `yaml:"essential"`
}

// TimeoutSection overrides watchdog and run durations.
type TimeoutSection struct {
	Start     *time.Duration `yaml:"start"`
	Stop      *time.Duration `yaml:"stop"`
	StopGrace *time.Duration `yaml:"stop_grace"`
	Duration  *time.Duration `yaml:"duration"`
}

func compileSessionSchema() error {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(sessionSchemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal session schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("session.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("add session schema resource: %w", err)
			return
		}
		sessionSchema, err = compiler.Compile("session.schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile session schema: %w", err)
		}
	})
	return compileErr
}

// LoadSessionFile reads and validates a session file.
func LoadSessionFile(path string) (*SessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	sf, err := ParseSessionFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sf, nil
}

// ParseSessionFile validates YAML data against the session schema and
// decodes it.
func ParseSessionFile(data []byte) (*SessionFile, error) {
	if err := compileSessionSchema(); err != nil {
		return nil, err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	// Round trip through JSON so numbers and maps take the shapes the
	// validator expects.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("session file is not representable as JSON: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		return nil, fmt.Errorf("invalid session document: %w", err)
	}
	if err := sessionSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}

	var sf SessionFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	return &sf, nil
}

// Apply merges the file into cfg. Fields whose flag appears in explicit
// keep their command line value. Env entries from the file come first so
// later -env flags override them.
func (sf *SessionFile) Apply(cfg *Config, explicit map[string]bool) {
	setString := func(flagName string, dst *string, v string) {
		if v != "" && !explicit[flagName] {
			*dst = v
		}
	}
	setBool := func(flagName string, dst *bool, v *bool) {
		if v != nil && !explicit[flagName] {
			*dst = *v
		}
	}
	setDuration := func(flagName string, dst *time.Duration, v *time.Duration) {
		if v != nil && !explicit[flagName] {
			*dst = *v
		}
	}

	d := sf.Device
	setString("device", &cfg.DeviceKind, d.Kind)
	setString("host", &cfg.Host, d.Host)
	setString("user", &cfg.User, d.User)
	if d.Port != 0 && !explicit["port"] {
		cfg.Port = d.Port
	}
	setString("identity", &cfg.IdentityFile, d.IdentityFile)
	setString("proxy-jump", &cfg.ProxyJump, d.ProxyJump)
	setString("host-key-check", &cfg.HostKeyCheck, d.HostKeyCheck)
	setString("container", &cfg.Container, d.Container)

	r := sf.Runnable
	if !explicit["cmd"] && cfg.Command == "" {
		cfg.Command = r.Command
	}
	setString("dir", &cfg.WorkingDir, r.WorkingDir)
	setString("mode", &cfg.RunMode, r.RunMode)
	setString("config-kind", &cfg.ConfigKind, r.ConfigKind)
	setBool("terminal", &cfg.Terminal, r.Terminal)
	setBool("root", &cfg.RunAsRoot, r.RunAsRoot)
	setBool("essential", &cfg.Essential, r.Essential)
	if len(r.Env) > 0 {
		cfg.Env = append(append([]string{}, r.Env...), cfg.Env...)
	}

	t := sf.Timeouts
	setDuration("start-timeout", &cfg.StartTimeout, t.Start)
	setDuration("stop-timeout", &cfg.StopTimeout, t.Stop)
	setDuration("stop-grace", &cfg.StopGrace, t.StopGrace)
	setDuration("duration", &cfg.Duration, t.Duration)

	cfg.Helpers = append(cfg.Helpers, sf.Helpers...)
}
