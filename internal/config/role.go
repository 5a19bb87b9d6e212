// Package config implements the role policy, the env-var configuration
// surface, and the static bootstrap registry.
package config

import "time"

// Role is the operational role tag a node runs under.
type Role string

const (
	RoleBootstrap Role = "BOOTSTRAP"
	RoleFull      Role = "FULL"
	RoleServer    Role = "SERVER"
	RoleLight     Role = "LIGHT"
)

// Policy is the fully populated configuration bundle a role maps to.
// It is consumed by the overlay engine and the directory.
type Policy struct {
	Role Role

	MaxConnections   int
	MinConnections   int
	MaxParallelDials int
	DialTimeout      time.Duration
	AutoDialInterval time.Duration

	EnableDHT     bool
	DHTServerMode bool
	KBucketSize   int

	EnableGossip             bool
	GossipHeartbeat          time.Duration
	AllowPublishToZeroPeers  bool
	EmitSelf                 bool
	RelayMessages            bool
	BootstrapRequired        bool

	DHTUpdateInterval    time.Duration
	MinDHTUpdateInterval time.Duration
}

// policyTable is the pure, total mapping from role to Policy. It is the
// single source of truth behind PolicyForRole and must stay a pure
// function of the role tag: no I/O, no environment lookups.
var policyTable = map[Role]Policy{
	RoleBootstrap: {
		Role:                    RoleBootstrap,
		MaxConnections:          1000,
		MinConnections:          3,
		MaxParallelDials:        100,
		DialTimeout:             30 * time.Second,
		AutoDialInterval:        10 * time.Second,
		EnableDHT:               true,
		DHTServerMode:           true,
		KBucketSize:             200,
		EnableGossip:            true,
		GossipHeartbeat:         1 * time.Second,
		AllowPublishToZeroPeers: true,
		EmitSelf:                true,
		RelayMessages:           false,
		BootstrapRequired:       false,
		DHTUpdateInterval:       30 * time.Second,
		MinDHTUpdateInterval:    10 * time.Second,
	},
	RoleFull: {
		Role:                    RoleFull,
		MaxConnections:          50,
		MinConnections:          1,
		MaxParallelDials:        25,
		DialTimeout:             30 * time.Second,
		AutoDialInterval:        10 * time.Second,
		EnableDHT:               true,
		DHTServerMode:           false,
		KBucketSize:             20,
		EnableGossip:            true,
		GossipHeartbeat:         1 * time.Second,
		AllowPublishToZeroPeers: true,
		EmitSelf:                true,
		RelayMessages:           false,
		BootstrapRequired:       true,
		DHTUpdateInterval:       60 * time.Second,
		MinDHTUpdateInterval:    20 * time.Second,
	},
	RoleServer: {
		Role:                    RoleServer,
		MaxConnections:          100,
		MinConnections:          2,
		MaxParallelDials:        50,
		DialTimeout:             30 * time.Second,
		AutoDialInterval:        10 * time.Second,
		EnableDHT:               true,
		DHTServerMode:           false,
		KBucketSize:             20,
		EnableGossip:            true,
		GossipHeartbeat:         1 * time.Second,
		AllowPublishToZeroPeers: true,
		EmitSelf:                true,
		RelayMessages:           true,
		BootstrapRequired:       true,
		DHTUpdateInterval:       45 * time.Second,
		MinDHTUpdateInterval:    15 * time.Second,
	},
	RoleLight: {
		Role:                    RoleLight,
		MaxConnections:          10,
		MinConnections:          1,
		MaxParallelDials:        10,
		DialTimeout:             30 * time.Second,
		AutoDialInterval:        20 * time.Second,
		EnableDHT:               false,
		DHTServerMode:           false,
		KBucketSize:             0,
		EnableGossip:            false,
		GossipHeartbeat:         1 * time.Second,
		AllowPublishToZeroPeers: false,
		EmitSelf:                true,
		RelayMessages:           false,
		BootstrapRequired:       true,
		DHTUpdateInterval:       120 * time.Second,
		MinDHTUpdateInterval:    30 * time.Second,
	},
}

// PolicyForRole is a pure function: role in, Policy out,
// no side effects. An unrecognized role yields the FULL policy, the most
// conservative non-bootstrap default.
func PolicyForRole(r Role) Policy {
	if p, ok := policyTable[r]; ok {
		return p
	}
	return policyTable[RoleFull]
}

// ParseRole maps the NODE_TYPE env value (case-insensitive) to a Role.
func ParseRole(s string) Role {
	switch normalizeRole(s) {
	case "bootstrap":
		return RoleBootstrap
	case "server":
		return RoleServer
	case "light":
		return RoleLight
	default:
		return RoleFull
	}
}

func normalizeRole(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
