package platform

import (
	"errors"
	"testing"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDetectAuto(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want Mode
	}{
		{"bare host", nil, ModeAbsent},
		{"kubernetes", map[string]string{"KUBERNETES_SERVICE_HOST": "10.96.0.1"}, ModeDeployed},
		{"instance id", map[string]string{EnvInstanceID: "mongod_0"}, ModeDeployed},
		{"emulated", map[string]string{EnvEmulated: "true", EnvInstanceID: "mongod_0"}, ModeEmulated},
		{"emulated false", map[string]string{EnvEmulated: "0"}, ModeAbsent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Detect(ModeAuto, WithGetenv(envMap(tc.env)))
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if env.Mode() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, env.Mode())
			}
			if env.Available() != (tc.want == ModeDeployed) {
				t.Fatalf("unexpected availability for %s", tc.want)
			}
		})
	}
}

func TestDetectOverride(t *testing.T) {
	env, err := Detect(ModeDeployed, WithGetenv(envMap(map[string]string{EnvPlatform: "Absent"})))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if env.Mode() != ModeAbsent {
		t.Fatalf("expected override to absent, got %s", env.Mode())
	}

	if _, err := Detect(ModeAuto, WithGetenv(envMap(map[string]string{EnvPlatform: "cloud"}))); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeAuto {
		t.Fatalf("expected auto for empty mode, got %s %v", m, err)
	}
	if m, err := ParseMode(" EMULATED "); err != nil || m != ModeEmulated {
		t.Fatalf("expected emulated, got %s %v", m, err)
	}
}

func TestSettingPrecedence(t *testing.T) {
	env, err := Detect(ModeDeployed,
		WithGetenv(envMap(map[string]string{"HOSTSYNC_SETTING_REPLICA_SET_NAME": "rs-env"})),
		WithSettings(map[string]string{"ReplicaSetName": "rs-file", "Other": "x"}),
	)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if v, ok := env.Setting("ReplicaSetName"); !ok || v != "rs-env" {
		t.Fatalf("expected env setting, got %q %t", v, ok)
	}
	if v, ok := env.Setting("Other"); !ok || v != "x" {
		t.Fatalf("expected file setting, got %q %t", v, ok)
	}
	if _, ok := env.Setting("Missing"); ok {
		t.Fatalf("expected missing setting")
	}
}

func TestReplicaSetName(t *testing.T) {
	env, _ := Detect(ModeDeployed, WithGetenv(envMap(nil)), WithSettings(map[string]string{"ReplicaSetName": " rs0 "}))
	name, err := env.ReplicaSetName()
	if err != nil || name != "rs0" {
		t.Fatalf("expected rs0, got %q %v", name, err)
	}

	missing, _ := Detect(ModeDeployed, WithGetenv(envMap(nil)))
	if _, err := missing.ReplicaSetName(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing name, got %v", err)
	}

	for _, bad := range []string{"", "rs 0", "rs/0", "-rs"} {
		env, _ := Detect(ModeDeployed, WithGetenv(envMap(nil)), WithSettings(map[string]string{"ReplicaSetName": bad}))
		if _, err := env.ReplicaSetName(); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration for %q, got %v", bad, err)
		}
	}
}

func TestInstanceID(t *testing.T) {
	env, _ := Detect(ModeDeployed, WithGetenv(envMap(map[string]string{EnvInstanceID: "mongod_3"})))
	if id, err := env.InstanceID(); err != nil || id != "mongod_3" {
		t.Fatalf("expected mongod_3, got %q %v", id, err)
	}

	fallback, _ := Detect(ModeDeployed, WithGetenv(envMap(nil)), WithHostname(func() (string, error) {
		return "mongod-4", nil
	}))
	if id, err := fallback.InstanceID(); err != nil || id != "mongod-4" {
		t.Fatalf("expected hostname fallback, got %q %v", id, err)
	}
}

func TestEnvName(t *testing.T) {
	cases := map[string]string{
		"ReplicaSetName": "REPLICA_SET_NAME",
		"role":           "ROLE",
		"Node2Port":      "NODE2_PORT",
	}
	for in, want := range cases {
		if got := envName(in); got != want {
			t.Fatalf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}
