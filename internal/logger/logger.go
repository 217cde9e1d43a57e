package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for service output logs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotating file destinations for a service's stdout and
// stderr. If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Dir        string `json:"dir,omitempty" mapstructure:"dir"`
	StdoutPath string `json:"stdout_path,omitempty" mapstructure:"stdout_path"`
	StderrPath string `json:"stderr_path,omitempty" mapstructure:"stderr_path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days,omitempty" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" mapstructure:"compress"`
}

// Config is the logging section of a service or of the global configuration.
// Level applies to the manager's own structured logging, File to the output
// of managed child processes.
type Config struct {
	Level string     `json:"level,omitempty" mapstructure:"level"`
	File  FileConfig `json:"file,omitempty" mapstructure:"file"`
}

// StdoutPath resolves the stdout log path for a service name, or "" when no
// file logging is configured.
func (c Config) StdoutPath(name string) string {
	if c.File.StdoutPath != "" {
		return c.File.StdoutPath
	}
	if c.File.Dir != "" {
		return filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	return ""
}

// StderrPath resolves the stderr log path for a service name.
func (c Config) StderrPath(name string) string {
	if c.File.StderrPath != "" {
		return c.File.StderrPath
	}
	if c.File.Dir != "" {
		return filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return ""
}

// ProcessWriters returns rotating write-closers for a service's stdout and
// stderr. Either writer is nil when no destination resolves for that stream.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	var outW, errW io.WriteCloser
	if p := c.StdoutPath(name); p != "" {
		outW = c.newRotating(p)
	}
	if p := c.StderrPath(name); p != "" {
		errW = c.newRotating(p)
	}
	return outW, errW, nil
}

func (c Config) newRotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
