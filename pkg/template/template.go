package template

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
)

// Kind selects which service scaffold to generate.
type Kind string

const (
	KindWeb        Kind = "web"
	KindHTTP       Kind = "http"
	KindWorker     Kind = "worker"
	KindBackground Kind = "background"
	KindDB         Kind = "db"
	KindDatabase   Kind = "database"
	KindCron       Kind = "cron"
	KindScheduled  Kind = "scheduled"
	KindSimple     Kind = "simple"
	KindBasic      Kind = "basic"
)

// Service is the TOML shape of one [[services]] block in a svcman config
// file. Durations are kept as strings ("30s") so the rendered snippet
// reads the way a person would write it.
type Service struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description,omitempty"`
	Type        string            `toml:"type,omitempty"`
	Port        int               `toml:"port,omitempty"`
	Restart     string            `toml:"restart,omitempty"`
	HealthCheck string            `toml:"health_check,omitempty"`
	Command     string            `toml:"command"`
	WorkDir     string            `toml:"work_dir,omitempty"`
	Schedule    string            `toml:"schedule,omitempty"`
	StopGrace   string            `toml:"stop_grace,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
	Log         *Log              `toml:"log,omitempty"`
}

// Log mirrors the [services.log] block.
type Log struct {
	File LogFile `toml:"file"`
}

// LogFile mirrors [services.log.file].
type LogFile struct {
	Dir string `toml:"dir"`
}

type document struct {
	Services []Service `toml:"services"`
}

// Generator produces service config scaffolds.
type Generator struct{}

// NewGenerator creates a template generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a scaffold of the given kind for a service name.
func (g *Generator) Generate(kind Kind, name string) (*Service, error) {
	switch kind {
	case KindWeb, KindHTTP:
		return g.web(name), nil
	case KindWorker, KindBackground:
		return g.worker(name), nil
	case KindDB, KindDatabase:
		return g.database(name), nil
	case KindCron, KindScheduled:
		return g.cron(name), nil
	case KindSimple, KindBasic:
		return g.simple(name), nil
	default:
		return nil, fmt.Errorf("unknown template kind %q (supported: web, worker, db, cron, simple)", kind)
	}
}

// GenerateTOML renders a scaffold as a [[services]] block ready to paste
// into a config file. The output loads cleanly through the config loader.
func (g *Generator) GenerateTOML(kind Kind, name string) ([]byte, error) {
	svc, err := g.Generate(kind, name)
	if err != nil {
		return nil, err
	}
	out, err := toml.Marshal(document{Services: []Service{*svc}})
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}
	return out, nil
}

// SupportedKinds lists the canonical kind names.
func (g *Generator) SupportedKinds() []string {
	return []string{
		string(KindWeb),
		string(KindWorker),
		string(KindDB),
		string(KindCron),
		string(KindSimple),
	}
}

func (g *Generator) web(name string) *Service {
	return &Service{
		Name:        name,
		Description: "HTTP service",
		Type:        "http",
		Port:        8000,
		Restart:     "on-failure",
		HealthCheck: "/healthz",
		Command:     "./server --port 8000",
		WorkDir:     "/app",
		Env: map[string]string{
			"PORT": "8000",
		},
		Log: &Log{File: LogFile{Dir: "/var/log/" + name}},
	}
}

func (g *Generator) worker(name string) *Service {
	return &Service{
		Name:        name,
		Description: "background worker",
		Type:        "worker",
		Restart:     "always",
		Command:     "./worker",
		WorkDir:     "/app",
		Env: map[string]string{
			"WORKER_THREADS": "4",
		},
		Log: &Log{File: LogFile{Dir: "/var/log/" + name}},
	}
}

func (g *Generator) database(name string) *Service {
	return &Service{
		Name:        name,
		Description: "database server",
		Restart:     "always",
		Command:     "postgres -D /var/lib/" + name,
		// databases need time to flush on shutdown
		StopGrace: "30s",
		Log:       &Log{File: LogFile{Dir: "/var/log/" + name}},
	}
}

func (g *Generator) cron(name string) *Service {
	return &Service{
		Name:        name,
		Description: "periodic job",
		Restart:     "never",
		Schedule:    "@every 1h",
		Command:     "./job",
		WorkDir:     "/app",
		Log:         &Log{File: LogFile{Dir: "/var/log/" + name}},
	}
}

func (g *Generator) simple(name string) *Service {
	return &Service{
		Name:    name,
		Command: "echo 'hello from " + name + "'",
	}
}
