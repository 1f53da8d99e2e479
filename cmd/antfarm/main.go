// Command antfarm is the orchestrator CLI: it runs the spawner daemon,
// starts and cancels runs, receives worker completion reports and tails the
// event journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vardaSoft/antfarm/internal/daemon"
	"github.com/vardaSoft/antfarm/internal/pipeline"
	"github.com/vardaSoft/antfarm/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s daemon [flags]                 Run the spawner daemon in the foreground
  %s run start <workflow> [flags]   Start a run of a workflow
  %s run cancel <run-id>            Cancel a run
  %s run list                       List recent runs
  %s step complete <step-id>        Report step completion (output on stdin)
  %s step fail <step-id> <reason>   Report step failure
  %s events [flags]                 Print recent events from the journal
  %s status                         Summarise runs and live sessions

ENVIRONMENT VARIABLES:
  ANTFARM_HOME            State directory (default: ~/.antfarm)
  ANTFARM_GATEWAY_URL     Gateway base URL (default: http://127.0.0.1:8791)
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	flag.Usage = printUsage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch args[0] {
	case "daemon":
		err = cmdDaemon(ctx, args[1:], logger)
	case "run":
		err = cmdRun(ctx, args[1:], logger)
	case "step":
		err = cmdStep(ctx, args[1:], logger)
	case "events":
		err = cmdEvents(ctx, args[1:], logger)
	case "status":
		err = cmdStatus(ctx, logger)
	case "version":
		fmt.Println(Version)
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "antfarm: %v\n", err)
		os.Exit(1)
	}
}

func stateDir() string {
	if dir := os.Getenv("ANTFARM_HOME"); dir != "" {
		return dir
	}
	return daemon.DefaultStateDir()
}

func gatewayURL() string {
	if url := os.Getenv("ANTFARM_GATEWAY_URL"); url != "" {
		return url
	}
	return "http://127.0.0.1:8791"
}

func newApp(ctx context.Context, logger *slog.Logger, extra daemon.Options) (*daemon.App, error) {
	opts := extra
	opts.StateDir = stateDir()
	opts.GatewayURL = gatewayURL()
	opts.Logger = logger
	return daemon.NewApp(ctx, opts)
}

func cmdDaemon(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	interval := fs.Duration("interval", 30*time.Second, "poll interval (minimum 10s)")
	workflows := fs.String("workflows", "", "comma-separated allow-list of workflow ids")
	metrics := fs.Bool("metrics", false, "export OpenTelemetry metrics to stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var allowed []string
	if *workflows != "" {
		for _, id := range strings.Split(*workflows, ",") {
			if id = strings.TrimSpace(id); id != "" {
				allowed = append(allowed, id)
			}
		}
	}

	app, err := newApp(ctx, logger, daemon.Options{
		Interval:         *interval,
		AllowedWorkflows: allowed,
		MetricsEnabled:   *metrics,
	})
	if err != nil {
		return err
	}
	defer app.Close(context.Background())
	return app.RunDaemon(ctx)
}

func cmdRun(ctx context.Context, args []string, logger *slog.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("run: expected start, cancel or list")
	}
	switch args[0] {
	case "start":
		return cmdRunStart(ctx, args[1:], logger)
	case "cancel":
		if len(args) != 2 {
			return fmt.Errorf("run cancel: expected <run-id>")
		}
		app, err := newApp(ctx, logger, daemon.Options{})
		if err != nil {
			return err
		}
		defer app.Close(context.Background())
		if err := app.Engine.CancelRun(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("run %s cancelled\n", args[1])
		return nil
	case "list":
		app, err := newApp(ctx, logger, daemon.Options{})
		if err != nil {
			return err
		}
		defer app.Close(context.Background())
		runs, err := app.Store.ListRuns(ctx, 50)
		if err != nil {
			return err
		}
		for _, run := range runs {
			fmt.Printf("#%-4d %-36s %-12s %-10s %s\n",
				run.RunNumber, run.ID, run.WorkflowID, run.Status, run.Task)
		}
		return nil
	default:
		return fmt.Errorf("run: unknown action %q", args[0])
	}
}

func cmdRunStart(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("run start", flag.ExitOnError)
	task := fs.String("task", "", "task description passed to the workflow")
	notify := fs.String("notify", "", "webhook URL for run events (#auth=<token> fragment supported)")
	scheduler := fs.String("scheduler", "daemon", "scheduler driving the run: daemon or cron")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run start: expected <workflow-id>")
	}
	workflowID := fs.Arg(0)

	app, err := newApp(ctx, logger, daemon.Options{})
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	spec, err := workflow.LoadSpec(workflow.SpecPath(app.StateDir, workflowID))
	if err != nil {
		return err
	}
	run, err := app.Engine.StartRun(ctx, spec, *task, pipelineStartOptions(*notify, *scheduler))
	if err != nil {
		return err
	}
	fmt.Printf("run #%d started: %s\n", run.RunNumber, run.ID)
	return nil
}

func pipelineStartOptions(notify, scheduler string) pipeline.StartRunOptions {
	return pipeline.StartRunOptions{
		NotifyURL: notify,
		Scheduler: scheduler,
	}
}

func cmdStep(ctx context.Context, args []string, logger *slog.Logger) error {
	if len(args) < 2 {
		return fmt.Errorf("step: expected complete <step-id> or fail <step-id> <reason>")
	}
	app, err := newApp(ctx, logger, daemon.Options{})
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	switch args[0] {
	case "complete":
		// Output arrives on stdin, never as argv, to avoid quoting hazards.
		output, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read step output: %w", err)
		}
		res, err := app.Engine.CompleteStep(ctx, args[1], string(output))
		if err != nil {
			return err
		}
		fmt.Printf("step %s completed (advanced=%t run_completed=%t)\n",
			args[1], res.Advanced, res.RunCompleted)
		return nil
	case "fail":
		if len(args) != 3 {
			return fmt.Errorf("step fail: expected <step-id> <reason>")
		}
		res, err := app.Engine.FailStep(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("step %s failed (retrying=%t run_failed=%t)\n",
			args[1], res.Retrying, res.RunFailed)
		return nil
	default:
		return fmt.Errorf("step: unknown action %q", args[0])
	}
}

func cmdEvents(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	runID := fs.String("run", "", "filter by run id (prefix match)")
	limit := fs.Int("limit", 50, "maximum events to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := newApp(ctx, logger, daemon.Options{})
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	var list []eventsLine
	if *runID != "" {
		evs, err := app.Journal.ByRun(*runID, *limit)
		if err != nil {
			return err
		}
		list = toLines(evs)
	} else {
		evs, err := app.Journal.Recent(*limit)
		if err != nil {
			return err
		}
		list = toLines(evs)
	}
	for _, line := range list {
		fmt.Println(line)
	}
	return nil
}

func cmdStatus(ctx context.Context, logger *slog.Logger) error {
	app, err := newApp(ctx, logger, daemon.Options{})
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	runs, err := app.Store.RunningRuns(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("running runs: %d\n", len(runs))
	for _, run := range runs {
		steps, err := app.Store.RunSteps(ctx, run.ID)
		if err != nil {
			return err
		}
		done := 0
		for _, st := range steps {
			if st.Status == "done" {
				done++
			}
		}
		fmt.Printf("  #%-4d %-12s %-10s %d/%d steps done (%s)\n",
			run.RunNumber, run.WorkflowID, run.EffectiveScheduler(), done, len(steps), run.ID)
	}

	sessions, err := app.Store.ListSessions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("active sessions: %d\n", len(sessions))
	for _, sess := range sessions {
		fmt.Printf("  %-20s step=%s story=%s session=%s spawned=%s\n",
			sess.AgentID, sess.StepID, sess.StoryID, sess.SessionID,
			sess.SpawnedAt.Format(time.RFC3339))
	}
	return nil
}
