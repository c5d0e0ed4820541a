package types

import "time"

// InstanceRecord is the wire shape of one instance in directory listings and
// registry values.
type InstanceRecord struct {
	InstanceID string `json:"instance_id" yaml:"instance_id"`
	Address    string `json:"address" yaml:"address"`
}

// InstanceList is the body returned by the instance directory HTTP API.
type InstanceList struct {
	Role      string           `json:"role,omitempty" yaml:"role,omitempty"`
	Instances []InstanceRecord `json:"instances" yaml:"instances"`
}

// HostEntry is one applied alias mapping.
type HostEntry struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
}

// MembershipView is the applied membership exposed by the monitoring server.
type MembershipView struct {
	ReplicaSet string      `json:"replica_set"`
	Role       string      `json:"role"`
	HostsPath  string      `json:"hosts_path"`
	Applied    bool        `json:"applied"`
	AppliedAt  *time.Time  `json:"applied_at,omitempty"`
	Members    []HostEntry `json:"members"`
}
