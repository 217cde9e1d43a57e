package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/loopwork/svcman/internal/env"
	"github.com/loopwork/svcman/internal/logger"
	"github.com/loopwork/svcman/internal/service"
)

// Server is the [server] block: the daemon's control API.
type Server struct {
	Listen string `toml:"listen" mapstructure:"listen"`
	// Token enables bearer auth on the API when non-empty.
	Token string `toml:"token" mapstructure:"token"`
	// PIDFile is written by the daemonized server so init scripts can
	// find it.
	PIDFile string `toml:"pid_file" mapstructure:"pid_file"`
	TLS     TLS    `toml:"tls" mapstructure:"tls"`
}

// TLS points at a certificate pair; both files set enables HTTPS.
type TLS struct {
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
}

func (t TLS) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// File is the top-level TOML structure: global settings plus [[services]]
// blocks.
type File struct {
	StateDir string   `toml:"state_dir" mapstructure:"state_dir"`
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	// UseOSEnv defaults to true when absent: children inherit PATH and
	// friends unless explicitly isolated.
	UseOSEnv *bool `toml:"use_os_env" mapstructure:"use_os_env"`
	// History lists sink DSNs (sqlite path, postgres://, clickhouse://,
	// opensearch://) that receive lifecycle events.
	History []string `toml:"history" mapstructure:"history"`

	Log      logger.Config    `toml:"log" mapstructure:"log"`
	Server   Server           `toml:"server" mapstructure:"server"`
	Services []service.Config `toml:"services" mapstructure:"services"`
}

// Load reads and validates a TOML config. Service blocks are normalized, so
// callers see resolved defaults. Relative state_dir, env_files and TLS paths
// are resolved against the config file's directory.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	f.StateDir = resolve(base, f.StateDir)
	for i, p := range f.EnvFiles {
		f.EnvFiles[i] = resolve(base, p)
	}
	f.Server.PIDFile = resolve(base, f.Server.PIDFile)
	f.Server.TLS.CertFile = resolve(base, f.Server.TLS.CertFile)
	f.Server.TLS.KeyFile = resolve(base, f.Server.TLS.KeyFile)

	seen := make(map[string]struct{}, len(f.Services))
	for i := range f.Services {
		f.Services[i].Normalize()
		if err := f.Services[i].Validate(); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		name := f.Services[i].Name
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("config %s: service %q defined twice", path, name)
		}
		seen[name] = struct{}{}
	}
	return &f, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// BuildEnv composes the global child environment: OS environment (unless
// disabled), then env_files in order, then the env list, later layers
// winning.
func (f *File) BuildEnv() (*env.Env, error) {
	e := env.New()
	if f.UseOSEnv != nil {
		e.SetUseOS(*f.UseOSEnv)
	}
	for _, p := range f.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	for _, kv := range f.Env {
		k, val, ok := splitKV(kv)
		if !ok {
			return nil, fmt.Errorf("malformed env entry %q (want KEY=VALUE)", kv)
		}
		e.Set(k, val)
	}
	return e, nil
}

func splitKV(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			if i == 0 {
				return "", "", false
			}
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
