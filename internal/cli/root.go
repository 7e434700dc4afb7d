// Package cli is the orchestrator's thin cobra entrypoint: exactly the
// flag surface from spec.md §6.6, nothing else. Plan authoring, roadmap
// editing, and every other ralph subcommand this binary's teacher carried
// are out of scope here.
package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/control"
	"github.com/taskforge/orchestrator/internal/display"
	"github.com/taskforge/orchestrator/internal/orchestrator"
	"github.com/taskforge/orchestrator/internal/pushserver"
	"github.com/taskforge/orchestrator/internal/registry"
	"github.com/taskforge/orchestrator/internal/statemodel"
)

// Exit codes per spec.md §6.6.
const (
	ExitOK              = 0
	ExitInternalError   = 1
	ExitInvalidArgs     = 2
	ExitAlreadyRunning  = 3
	ExitPlanNotFound    = 4
)

var (
	flagPlan           string
	flagMaxParallel     int
	flagMaxIterations   int
	flagTimeoutPerTask  int
	flagAPIServer       bool
	flagHost            string
	flagPort            int
	flagDaemon          bool
	flagList            bool
	flagStatusInstance  string
	flagStopInstance    string
	flagShutdownAll     bool
	flagNoColor         bool
)

var rootCmd = &cobra.Command{
	Use:          "orchestrator",
	Short:        "Dependency-aware execution engine for markdown task plans",
	SilenceUsage: true,
	RunE:         runRoot,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagPlan, "plan", "", "path to the plan markdown file")
	f.IntVar(&flagMaxParallel, "max-parallel", 0, "maximum concurrently running tasks")
	f.IntVar(&flagMaxIterations, "max-iterations", 0, "maximum batch iterations before stopping")
	f.IntVar(&flagTimeoutPerTask, "timeout-per-task", 0, "per-task timeout in seconds")
	f.BoolVar(&flagAPIServer, "api-server", false, "run the push server embedded in this process")
	f.StringVar(&flagHost, "host", "127.0.0.1", "push server bind host (with --api-server)")
	f.IntVar(&flagPort, "port", 0, "push server bind port (with --api-server)")
	f.BoolVar(&flagDaemon, "daemon", false, "accepted but has no effect: the process does not detach and always runs until interrupted")
	f.BoolVar(&flagList, "list", false, "list every running orchestrator instance on this host")
	f.StringVar(&flagStatusInstance, "status", "", "print status for a running instance id")
	f.StringVar(&flagStopInstance, "stop", "", "stop a running instance by id")
	f.BoolVar(&flagShutdownAll, "shutdown-all", false, "stop every running instance on this host")
	f.BoolVar(&flagNoColor, "no-color", false, "disable colored output")
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if ec, ok := err.(exitCoded); ok {
			return ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitInternalError
	}
	return ExitOK
}

type exitCoded interface {
	error
	ExitCode() int
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) ExitCode() int { return e.code }

func newCliError(code int, format string, args ...interface{}) *cliError {
	return &cliError{code: code, err: fmt.Errorf(format, args...)}
}

func configRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".orchestrator")
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfgRoot := configRoot()
	cfg, err := config.Load(cfgRoot)
	if err != nil {
		return newCliError(ExitInternalError, "load config: %w", err)
	}

	switch {
	case flagList:
		return doList(cmd, cfgRoot)
	case flagStatusInstance != "":
		return doStatus(cmd, cfgRoot, flagStatusInstance)
	case flagStopInstance != "":
		return doStop(cmd, cfgRoot, flagStopInstance, false)
	case flagShutdownAll:
		return doShutdownAll(cmd, cfgRoot)
	}

	if flagPlan == "" {
		return newCliError(ExitInvalidArgs, "--plan is required")
	}
	planPath, err := filepath.Abs(flagPlan)
	if err != nil {
		return newCliError(ExitInvalidArgs, "resolve plan path: %w", err)
	}
	if _, err := os.Stat(planPath); err != nil {
		return newCliError(ExitPlanNotFound, "plan not found: %s", planPath)
	}

	maxParallel := flagMaxParallel
	if maxParallel == 0 {
		maxParallel = cfg.Run.MaxParallel
	}
	maxIterations := flagMaxIterations
	if maxIterations == 0 {
		maxIterations = cfg.Run.MaxIterations
	}
	timeoutPerTask := flagTimeoutPerTask
	if timeoutPerTask == 0 {
		timeoutPerTask = cfg.Run.TimeoutPerTask
	}

	workDir, err := os.Getwd()
	if err != nil {
		return newCliError(ExitInternalError, "getwd: %w", err)
	}

	inst, err := orchestrator.New(orchestrator.Options{
		PlanPath:              planPath,
		OutputRoot:            cfg.Paths.OutputRoot,
		ConfigRoot:            cfgRoot,
		WorkDir:               workDir,
		WorkerBinary:          cfg.Paths.WorkerBin,
		MaxParallel:           maxParallel,
		MaxIterations:         maxIterations,
		TimeoutPerTaskSeconds: timeoutPerTask,
		PhasePriority:         true,
	})
	if err != nil {
		return newCliError(ExitInvalidArgs, "%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down, finishing in-flight tasks...")
		cancel()
	}()

	if err := inst.Start(ctx); err != nil {
		if isAlreadyRunningErr(err) {
			return newCliError(ExitAlreadyRunning, "%w", err)
		}
		return newCliError(ExitInternalError, "start: %w", err)
	}

	if flagAPIServer {
		host := flagHost
		if host == "" {
			host = cfg.Server.Host
		}
		port := flagPort
		if port == 0 {
			port = cfg.Server.Port
		}
		go serveAPI(ctx, inst, host, port)
	}

	ctrlSrv, err := control.NewServer(inst.SocketPathForCLI(), inst)
	if err == nil {
		go func() { _ = ctrlSrv.Serve(ctx) }()
		defer ctrlSrv.Close()
	}

	d := display.NewWithOptions(flagNoColor)
	d.Banner("ORCHESTRATOR", fmt.Sprintf("plan: %s", inst.Plan().ID), fmt.Sprintf("max_parallel: %d", maxParallel))

	go renderEvents(ctx, d, inst)

	<-ctx.Done()

	final := inst.GetCachedStatus()
	if final != nil {
		printSummary(d, final)
	}
	return nil
}

func serveAPI(ctx context.Context, inst *orchestrator.Instance, host string, port int) {
	srv := pushserver.New(orchestrator.NewPushBackend(inst), inst.Bus())
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	_ = httpSrv.ListenAndServe()
}

func printSummary(d *display.Display, s *statemodel.Status) {
	rs := display.RunSummary{
		Completed: s.Summary.Completed,
		Failed:    s.Summary.Failed,
		Skipped:   s.Summary.Skipped,
		Pending:   s.Summary.Pending + s.Summary.InProgress,
	}
	if len(s.Runs) > 0 {
		last := s.Runs[len(s.Runs)-1]
		if started, err := time.Parse(time.RFC3339, last.StartedAt); err == nil {
			rs.Duration = time.Since(started)
		}
	}
	rs.FirstErrors = map[string]string{}
	for _, t := range s.Tasks {
		if t.Status == statemodel.StatusFailed && t.LastError != nil {
			rs.FirstErrors[t.ID] = display.Truncate(display.CleanText(*t.LastError), 200)
		}
	}
	d.Summary(s.PlanID, rs)
}

func isAlreadyRunningErr(err error) bool {
	for err != nil {
		if _, ok := err.(*registry.AlreadyRunningError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func doList(cmd *cobra.Command, cfgRoot string) error {
	reg := registry.New(cfgRoot)
	entries, err := reg.List(context.Background())
	if err != nil {
		return newCliError(ExitInternalError, "list: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PlanID < entries[j].PlanID })
	if len(entries) == 0 {
		fmt.Println("no running instances")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  plan=%s  pid=%d  status=%s  started=%s\n", e.InstanceID, e.PlanID, e.PID, e.Status, e.StartedAt)
	}
	return nil
}

func doStatus(cmd *cobra.Command, cfgRoot, instanceID string) error {
	entry, err := findInstance(cfgRoot, instanceID)
	if err != nil {
		return err
	}
	client := control.NewClient(entry.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, control.Request{Type: control.RequestStatus})
	if err != nil {
		return newCliError(ExitInternalError, "status: %w", err)
	}
	fmt.Printf("%+v\n", resp)
	return nil
}

func doStop(cmd *cobra.Command, cfgRoot, instanceID string, force bool) error {
	entry, err := findInstance(cfgRoot, instanceID)
	if err != nil {
		return err
	}
	client := control.NewClient(entry.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, control.Request{Type: control.RequestShutdown, Force: force})
	if err != nil {
		return newCliError(ExitInternalError, "stop: %w", err)
	}
	if !resp.Success {
		return newCliError(ExitInternalError, "stop failed: %s", resp.Error)
	}
	fmt.Println("stopped", instanceID)
	return nil
}

func doShutdownAll(cmd *cobra.Command, cfgRoot string) error {
	reg := registry.New(cfgRoot)
	entries, err := reg.List(context.Background())
	if err != nil {
		return newCliError(ExitInternalError, "list: %w", err)
	}
	var failures []string
	for _, e := range entries {
		if err := doStop(cmd, cfgRoot, e.InstanceID, true); err != nil {
			failures = append(failures, e.InstanceID)
		}
	}
	if len(failures) > 0 {
		return newCliError(ExitInternalError, "failed to stop: %v", failures)
	}
	return nil
}

func findInstance(cfgRoot, instanceID string) (*registry.Entry, error) {
	reg := registry.New(cfgRoot)
	entries, err := reg.List(context.Background())
	if err != nil {
		return nil, newCliError(ExitInternalError, "list: %w", err)
	}
	for i := range entries {
		if entries[i].InstanceID == instanceID {
			return &entries[i], nil
		}
	}
	return nil, newCliError(ExitInvalidArgs, "no running instance %q", instanceID)
}
