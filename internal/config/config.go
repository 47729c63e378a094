// Package config parses the YAML config file each binary takes via
// -config-file (spec section 6.3: "Master and node each take a path to a
// configuration file on startup declaring bind host, port, role, and for
// data nodes the initial MaxBytes"). Parsing follows cmd/tempo's pattern of
// reading the file, running ${VAR} substitution with
// github.com/drone/envsubst, then unmarshalling with yaml.v3.
package config

import (
	"os"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Role selects which binary a config file is for; a single file shape
// covers both so operators can template one file per environment.
type Role string

const (
	RoleMaster Role = "master"
	RoleNode   Role = "node"
)

// Master holds the master process's bind settings and heartbeat policy
// fields. cmd/loopcache-master reads only Host and Port; the heartbeat
// fields are parsed but not applied, and the probe thresholds in effect are
// internal/master's QuestionableAfter (15s) and DownAfter (30s).
type Master struct {
	Host              string `yaml:"host"`
	Port              uint32 `yaml:"port"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	QuestionableAfter int    `yaml:"questionable_after_misses"`
	DownAfter         string `yaml:"down_after_silence"`
}

// Node holds a data node's bind settings, initial capacity, and the
// master it registers with.
type Node struct {
	Host          string `yaml:"host"`
	Port          uint32 `yaml:"port"`
	MaxBytes      uint64 `yaml:"max_bytes"`
	MasterAddress string `yaml:"master_address"`
}

// File is the on-disk shape of a config file; exactly one of Master/Node
// is populated, selected by Role.
type File struct {
	Role   Role    `yaml:"role"`
	Master *Master `yaml:"master,omitempty"`
	Node   *Node   `yaml:"node,omitempty"`
	LogLevel string `yaml:"log_level"`
}

// Load reads, env-substitutes, and parses the config file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	expanded, err := envsubst.EvalEnv(string(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "config: substituting environment in %s", path)
	}

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate rejects a config file that is internally inconsistent before
// the process starts serving on it.
func (f *File) Validate() error {
	switch f.Role {
	case RoleMaster:
		if f.Master == nil {
			return errors.New("config: role is master but no master section present")
		}
		if f.Master.Host == "" {
			return errors.New("config: master.host is required")
		}
		if f.Master.Port == 0 {
			return errors.New("config: master.port is required")
		}
	case RoleNode:
		if f.Node == nil {
			return errors.New("config: role is node but no node section present")
		}
		if f.Node.Host == "" {
			return errors.New("config: node.host is required")
		}
		if f.Node.Port == 0 {
			return errors.New("config: node.port is required")
		}
		if f.Node.MaxBytes == 0 {
			return errors.New("config: node.max_bytes must be > 0")
		}
	default:
		return errors.Errorf("config: unknown role %q (want %q or %q)", f.Role, RoleMaster, RoleNode)
	}
	return nil
}
