package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopwork/svcman/internal/config"
	"github.com/loopwork/svcman/internal/logger"
	"github.com/loopwork/svcman/internal/manager"
	"github.com/loopwork/svcman/internal/state"
	"github.com/loopwork/svcman/pkg/client"
	"github.com/loopwork/svcman/pkg/template"
)

// command binds the CLI handlers to their output streams so tests can
// capture what they print.
type command struct {
	stdout io.Writer
	stderr io.Writer
	global *GlobalFlags
}

// buildLocal loads the config and assembles a one-shot manager operating
// on detached children, so services outlive the CLI process.
func (c *command) buildLocal() (*manager.Manager, *config.File, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := assembleManager(cfg, c.global.ConfigPath, false, cliLogger(cfg.Log.Level))
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

// reachableClient builds an API client and fails early with a hint when
// no daemon answers.
func (c *command) reachableClient(ctx context.Context, f APIFlags) (*client.Client, error) {
	token := f.Token
	if token == "" {
		token = os.Getenv("SVCMAN_TOKEN")
	}
	cl := client.New(client.Config{
		BaseURL: f.URL,
		Token:   token,
		Timeout: f.Timeout,
		Logger:  cliLogger(""),
	})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s (start one with 'svcman serve')", f.URL)
	}
	return cl, nil
}

func (c *command) Start(f OpFlags) error {
	ctx := context.Background()
	if f.API.URL != "" {
		cl, err := c.reachableClient(ctx, f.API)
		if err != nil {
			return err
		}
		if err := cl.Start(ctx, f.Name); err != nil {
			return err
		}
		return c.printAPIStatus(ctx, cl, f.Name)
	}
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx, f.Name); err != nil {
		return err
	}
	return c.printLocalStatus(ctx, mgr, f.Name)
}

func (c *command) Stop(f OpFlags) error {
	ctx := context.Background()
	if f.API.URL != "" {
		cl, err := c.reachableClient(ctx, f.API)
		if err != nil {
			return err
		}
		if err := cl.Stop(ctx, f.Name); err != nil {
			return err
		}
		return c.printAPIStatus(ctx, cl, f.Name)
	}
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	if err := mgr.Stop(ctx, f.Name); err != nil {
		return err
	}
	return c.printLocalStatus(ctx, mgr, f.Name)
}

func (c *command) Restart(f OpFlags) error {
	ctx := context.Background()
	if f.API.URL != "" {
		cl, err := c.reachableClient(ctx, f.API)
		if err != nil {
			return err
		}
		if err := cl.Restart(ctx, f.Name); err != nil {
			return err
		}
		return c.printAPIStatus(ctx, cl, f.Name)
	}
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	if err := mgr.Restart(ctx, f.Name); err != nil {
		return err
	}
	return c.printLocalStatus(ctx, mgr, f.Name)
}

// Status prints one service when a name is given, otherwise all of them.
// With Watch set it keeps streaming changes until interrupted.
func (c *command) Status(f OpFlags) error {
	ctx := context.Background()
	if f.Watch {
		return c.watchStatus(f)
	}
	if f.API.URL != "" {
		cl, err := c.reachableClient(ctx, f.API)
		if err != nil {
			return err
		}
		if f.Name != "" {
			return c.printAPIStatus(ctx, cl, f.Name)
		}
		sts, err := cl.Services(ctx)
		if err != nil {
			return err
		}
		if c.global.JSON {
			return printJSON(c.stdout, sts)
		}
		rows := make([]row, len(sts))
		for i, st := range sts {
			rows[i] = clientRow(st)
		}
		renderRows(c.stdout, rows)
		return nil
	}

	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	if f.Name != "" {
		return c.printLocalStatus(ctx, mgr, f.Name)
	}
	return c.printLocalList(ctx, mgr)
}

// watchStatus renders the current view, then appends one line per observed
// state change until the user interrupts. Watching reads the state files
// directly, so it works on local state only.
func (c *command) watchStatus(f OpFlags) error {
	if f.API.URL != "" {
		return errors.New("--watch operates on local state and cannot be combined with --api-url")
	}
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.Name != "" {
		if err := c.printLocalStatus(ctx, mgr, f.Name); err != nil {
			return err
		}
	} else if err := c.printLocalList(ctx, mgr); err != nil {
		return err
	}

	ch, cleanup, err := mgr.Watch(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				_, _ = fmt.Fprintf(c.stderr, "watch: %v\n", ev.Err)
				continue
			}
			if f.Name != "" && ev.Name != f.Name {
				continue
			}
			c.printWatchEvent(ev)
		}
	}
}

// printWatchEvent writes one line describing a state change.
func (c *command) printWatchEvent(ev state.Event) {
	if c.global.JSON {
		_ = printJSONLine(c.stdout, struct {
			Name  string       `json:"name"`
			State *state.State `json:"state"`
		}{ev.Name, ev.State})
		return
	}
	ts := time.Now().Format("15:04:05")
	if ev.State == nil {
		_, _ = fmt.Fprintf(c.stdout, "%s  %-16s removed\n", ts, ev.Name)
		return
	}
	pid := "-"
	if ev.State.PID > 0 {
		pid = strconv.Itoa(ev.State.PID)
	}
	_, _ = fmt.Fprintf(c.stdout, "%s  %-16s %-10s pid %s\n", ts, ev.Name, ev.State.Status, pid)
}

// Run executes a service in the foreground until it exits or the user
// interrupts.
func (c *command) Run(name string) error {
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return mgr.Run(ctx, name, c.stdout, c.stderr)
}

func (c *command) Logs(f LogsFlags) error {
	ctx := context.Background()
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	info, err := mgr.Info(ctx, f.Name)
	if err != nil {
		return err
	}
	stdout, stderr, err := mgr.Logs(ctx, f.Name, f.Lines)
	if err != nil {
		return err
	}
	if info.StdoutLog != "" {
		_, _ = fmt.Fprintf(c.stdout, "==> %s <==\n", info.StdoutLog)
		for _, line := range stdout {
			_, _ = fmt.Fprintln(c.stdout, line)
		}
	}
	if info.StderrLog != "" {
		_, _ = fmt.Fprintf(c.stdout, "==> %s <==\n", info.StderrLog)
		for _, line := range stderr {
			_, _ = fmt.Fprintln(c.stdout, line)
		}
	}
	if !f.Follow {
		return nil
	}
	return c.followLogs(ctx, f.Name, info.StdoutLog, info.StderrLog)
}

// followLogs streams appended log lines until the user interrupts. Only
// files that already exist are followed; rotation is handled by the follower.
func (c *command) followLogs(ctx context.Context, name, stdoutLog, stderrLog string) error {
	fctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(fctx)
	followed := false
	if stdoutLog != "" {
		if _, err := os.Stat(stdoutLog); err == nil {
			followed = true
			g.Go(func() error { return logger.FollowFile(gctx, stdoutLog, c.stdout) })
		}
	}
	if stderrLog != "" {
		if _, err := os.Stat(stderrLog); err == nil {
			followed = true
			g.Go(func() error { return logger.FollowFile(gctx, stderrLog, c.stderr) })
		}
	}
	if !followed {
		return fmt.Errorf("service %q has no log output to follow yet", name)
	}
	if err := g.Wait(); err != nil && fctx.Err() == nil {
		return err
	}
	return nil
}

func (c *command) Info(name string) error {
	ctx := context.Background()
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	info, err := mgr.Info(ctx, name)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return printJSON(c.stdout, info)
	}
	st := info.State
	_, _ = fmt.Fprintf(c.stdout, "name:       %s\n", st.Name)
	_, _ = fmt.Fprintf(c.stdout, "status:     %s\n", st.Status)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(c.stdout, "pid:        %d\n", st.PID)
	}
	_, _ = fmt.Fprintf(c.stdout, "uptime:     %s\n", formatUptime(info.Uptime))
	_, _ = fmt.Fprintf(c.stdout, "restarts:   %d\n", st.RestartCount)
	_, _ = fmt.Fprintf(c.stdout, "health:     %s\n", orDash(string(st.Health)))
	_, _ = fmt.Fprintf(c.stdout, "command:    %s\n", st.Config.Command)
	_, _ = fmt.Fprintf(c.stdout, "stdout log: %s\n", orDash(info.StdoutLog))
	_, _ = fmt.Fprintf(c.stdout, "stderr log: %s\n", orDash(info.StderrLog))
	return nil
}

func (c *command) Cleanup() error {
	ctx := context.Background()
	mgr, _, err := c.buildLocal()
	if err != nil {
		return err
	}
	names, err := mgr.CleanupStale(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		_, _ = fmt.Fprintln(c.stdout, "nothing to clean up")
		return nil
	}
	for _, name := range names {
		_, _ = fmt.Fprintf(c.stdout, "removed stale record %s\n", name)
	}
	return nil
}

func (c *command) Template(f TemplateFlags) error {
	name := f.Name
	if name == "" {
		name = f.Kind + "-sample"
	}
	out, err := template.NewGenerator().GenerateTOML(template.Kind(f.Kind), name)
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, _ = c.stdout.Write(out)
		return nil
	}
	if !f.Force {
		if _, err := os.Stat(f.Output); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
		}
	}
	if err := os.WriteFile(f.Output, out, 0o644); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	_, _ = fmt.Fprintf(c.stdout, "wrote %s template to %s\n", f.Kind, f.Output)
	return nil
}

func (c *command) printLocalStatus(ctx context.Context, mgr *manager.Manager, name string) error {
	st, err := mgr.Status(ctx, name)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return printJSON(c.stdout, st)
	}
	renderRows(c.stdout, []row{stateRow(st)})
	return nil
}

func (c *command) printLocalList(ctx context.Context, mgr *manager.Manager) error {
	sts := mgr.List(ctx)
	if c.global.JSON {
		return printJSON(c.stdout, sts)
	}
	rows := make([]row, len(sts))
	for i, st := range sts {
		rows[i] = stateRow(st)
	}
	renderRows(c.stdout, rows)
	return nil
}

func (c *command) printAPIStatus(ctx context.Context, cl *client.Client, name string) error {
	st, err := cl.Status(ctx, name)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return printJSON(c.stdout, st)
	}
	renderRows(c.stdout, []row{clientRow(st)})
	return nil
}
