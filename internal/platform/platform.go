// Package platform detects whether the agent runs inside the managed
// environment and resolves the settings it publishes.
package platform

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
)

const (
	EnvPlatform      = "HOSTSYNC_PLATFORM"
	EnvInstanceID    = "HOSTSYNC_INSTANCE_ID"
	EnvEmulated      = "HOSTSYNC_EMULATED"
	EnvSettingPrefix = "HOSTSYNC_SETTING_"
	envKubernetes    = "KUBERNETES_SERVICE_HOST"

	// SettingReplicaSetName names the replica set the aliases are derived from.
	SettingReplicaSetName = "ReplicaSetName"
)

// ErrConfiguration reports a missing or invalid environment setting.
var ErrConfiguration = errors.New("configuration error")

// Mode is the detected hosting environment.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeDeployed Mode = "deployed"
	ModeEmulated Mode = "emulated"
	ModeAbsent   Mode = "absent"
)

// ParseMode accepts the configuration spelling of a mode; empty means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeDeployed, ModeEmulated, ModeAbsent:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown platform mode %q", ErrConfiguration, s)
	}
}

type Option func(*Environment)

// WithGetenv replaces os.Getenv, mainly for tests.
func WithGetenv(fn func(string) string) Option {
	return func(e *Environment) {
		if fn != nil {
			e.getenv = fn
		}
	}
}

// WithSettings supplies settings used when no environment override exists.
func WithSettings(settings map[string]string) Option {
	return func(e *Environment) {
		e.settings = settings
	}
}

// WithHostname replaces os.Hostname for InstanceID.
func WithHostname(fn func() (string, error)) Option {
	return func(e *Environment) {
		if fn != nil {
			e.hostname = fn
		}
	}
}

// Environment is the resolved view of the hosting platform.
type Environment struct {
	mode     Mode
	settings map[string]string
	getenv   func(string) string
	hostname func() (string, error)
}

// Detect resolves the configured mode. HOSTSYNC_PLATFORM overrides
// configured, and auto inspects the process environment.
func Detect(configured Mode, opts ...Option) (*Environment, error) {
	env := &Environment{getenv: os.Getenv, hostname: os.Hostname}
	for _, opt := range opts {
		opt(env)
	}

	mode := configured
	if override := env.getenv(EnvPlatform); override != "" {
		parsed, err := ParseMode(override)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvPlatform, err)
		}
		mode = parsed
	}
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		mode = env.detect()
	}
	env.mode = mode
	return env, nil
}

func (e *Environment) detect() Mode {
	if truthy(e.getenv(EnvEmulated)) {
		return ModeEmulated
	}
	if e.getenv(envKubernetes) != "" || e.getenv(EnvInstanceID) != "" {
		return ModeDeployed
	}
	return ModeAbsent
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func (e *Environment) Mode() Mode {
	return e.mode
}

// Available reports whether the agent should do any work.
func (e *Environment) Available() bool {
	return e.mode == ModeDeployed
}

// Setting looks up name in the environment (HOSTSYNC_SETTING_ plus the name
// in upper snake case) and then in the configured settings.
func (e *Environment) Setting(name string) (string, bool) {
	if v, ok := e.lookupEnv(EnvSettingPrefix + envName(name)); ok {
		return v, true
	}
	v, ok := e.settings[name]
	return v, ok
}

func (e *Environment) lookupEnv(key string) (string, bool) {
	v := e.getenv(key)
	return v, v != ""
}

// ReplicaSetName returns the validated replica-set name.
func (e *Environment) ReplicaSetName() (string, error) {
	v, ok := e.Setting(SettingReplicaSetName)
	if !ok {
		return "", fmt.Errorf("%w: setting %s is not defined", ErrConfiguration, SettingReplicaSetName)
	}
	v = strings.TrimSpace(v)
	if err := validateName(v); err != nil {
		return "", fmt.Errorf("%w: setting %s: %v", ErrConfiguration, SettingReplicaSetName, err)
	}
	return v, nil
}

// InstanceID identifies this process among its peers.
func (e *Environment) InstanceID() (string, error) {
	if v := strings.TrimSpace(e.getenv(EnvInstanceID)); v != "" {
		return v, nil
	}
	name, err := e.hostname()
	if err != nil {
		return "", fmt.Errorf("resolve instance id: %w", err)
	}
	return name, nil
}

// validateName keeps the name usable as a hosts file alias prefix.
func validateName(v string) error {
	if v == "" {
		return errors.New("value is empty")
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_':
		default:
			return fmt.Errorf("invalid character %q in %q", r, v)
		}
	}
	if v[0] == '-' || v[0] == '.' {
		return fmt.Errorf("%q must start with a letter, digit or underscore", v)
	}
	return nil
}

// envName converts ReplicaSetName to REPLICA_SET_NAME.
func envName(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
