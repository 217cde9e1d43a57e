package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/loopwork/svcman/internal/config"
	"github.com/loopwork/svcman/internal/history"
	"github.com/loopwork/svcman/internal/history/factory"
	"github.com/loopwork/svcman/internal/logger"
	"github.com/loopwork/svcman/internal/manager"
	"github.com/loopwork/svcman/internal/registry"
	"github.com/loopwork/svcman/internal/state"
	"github.com/loopwork/svcman/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printJSONLine writes v compactly on a single line, for streamed output.
func printJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// row is one line of the status table, already formatted for display.
type row struct {
	Name     string
	Status   string
	PID      string
	Uptime   string
	Restarts string
	Health   string
}

func renderRows(w io.Writer, rows []row) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tUPTIME\tRESTARTS\tHEALTH")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.Status, r.PID, r.Uptime, r.Restarts, r.Health)
	}
	_ = tw.Flush()
}

func stateRow(st state.State) row {
	pid := "-"
	if st.Running() {
		pid = strconv.Itoa(st.PID)
	}
	return row{
		Name:     st.Name,
		Status:   string(st.Status),
		PID:      pid,
		Uptime:   formatUptime(st.Uptime(time.Now())),
		Restarts: strconv.Itoa(st.RestartCount),
		Health:   orDash(string(st.Health)),
	}
}

func clientRow(st client.ServiceStatus) row {
	pid := "-"
	uptime := "-"
	if st.Running() && st.PID > 0 {
		pid = strconv.Itoa(st.PID)
	}
	if st.Running() && st.StartedAt != nil {
		uptime = formatUptime(time.Since(*st.StartedAt))
	}
	return row{
		Name:     st.Name,
		Status:   st.Status,
		PID:      pid,
		Uptime:   uptime,
		Restarts: strconv.Itoa(st.RestartCount),
		Health:   orDash(st.Health),
	}
}

func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" || s == "unknown" {
		return "-"
	}
	return s
}

// cliLogger keeps one-shot commands quiet unless something goes wrong.
// A level from the config file overrides the default.
func cliLogger(level string) *slog.Logger {
	if level == "" {
		level = "warn"
	}
	return logger.Setup(level)
}

// assembleManager wires a manager from a loaded config file. supervise
// selects daemon mode (in-process supervisors, restart policies, health
// ticks) versus one-shot CLI mode, where children are detached and
// outlive the invoking process.
func assembleManager(cfg *config.File, configPath string, supervise bool, log *slog.Logger) (*manager.Manager, error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(filepath.Dir(configPath), "state")
	}
	store, err := state.NewFileStore(stateDir)
	if err != nil {
		return nil, err
	}
	genv, err := cfg.BuildEnv()
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	for _, svc := range cfg.Services {
		if err := reg.Register(svc); err != nil {
			return nil, err
		}
	}
	sinks := make([]history.Sink, 0, len(cfg.History))
	for _, dsn := range cfg.History {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, sink)
	}
	return manager.New(manager.Options{
		Store:     store,
		Registry:  reg,
		Env:       genv,
		Log:       cfg.Log,
		Sinks:     sinks,
		Logger:    log,
		Supervise: supervise,
	})
}
