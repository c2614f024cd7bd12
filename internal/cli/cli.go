package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/vk/burstci/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// Parse processes command-line arguments. It returns a validated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	fs := flag.NewFlagSet("burstci", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.SortFlags = false

	fs.Usage = func() {
		fmt.Fprint(output, `
burstci - run CI/CD workflows: dependency graph, matrix jobs, concurrency
groups, caching and artifacts on a local worker pool.

Usage:
  burstci [options] WORKFLOW_PATH

Arguments:
  WORKFLOW_PATH
    A workflow file (.yml, .yaml, .json, .jsonc, .hcl) or a directory
    containing one.

Options:
`)
		fs.PrintDefaults()
	}

	var (
		configPath  = fs.StringP("config", "c", "", "YAML config file; flags override its values.")
		workflow    = fs.StringP("workflow", "f", "", "Path to the workflow file or directory.")
		event       = fs.StringP("event", "e", "push", "Event that triggers the run.")
		ref         = fs.String("ref", "", "Git ref of the event, e.g. refs/heads/main.")
		sha         = fs.String("sha", "", "Commit SHA of the event.")
		actor       = fs.String("actor", "", "Who triggered the run.")
		inputs      = fs.StringToString("input", nil, "Dispatch input as key=value. Repeatable.")
		secrets     = fs.StringArray("secret", nil, "Secret as NAME=value, or NAME to read it from the environment. Repeatable.")
		workers     = fs.IntP("workers", "w", 1, "Number of workers.")
		labels      = fs.StringSlice("worker-label", nil, "Label every worker carries. Repeatable.")
		parallelism = fs.IntP("parallelism", "p", 0, "Maximum concurrently running jobs; 0 means one per worker.")
		workspace   = fs.String("workspace", "", "Root directory for run workspaces.")
		keep        = fs.Bool("keep-workspace", false, "Keep run workspaces after the run.")
		cacheDir    = fs.String("cache-dir", "", "Directory for the job cache; in memory when empty.")
		artifactDir = fs.String("artifact-dir", "", "Directory for artifacts; in memory when empty.")
		snapshot    = fs.String("snapshot", "", "Write the final run snapshot to this .json or .cbor file.")
		eventsURL   = fs.String("events-url", "", "socket.io server that receives run events.")
		healthPort  = fs.Int("healthcheck-port", 0, "Port for the /health and /status server. 0 is disabled.")
		logFormat   = fs.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
		logLevel    = fs.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
		watch       = fs.Bool("watch", false, "Re-run the workflow whenever its file changes.")
		listActions = fs.Bool("list-actions", false, "List the built-in actions and exit.")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, usageError("%v", err)
	}
	slog.Debug("Arguments parsed successfully.")

	if *listActions {
		if err := app.ListActions(output); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	var cfg app.Config
	if *configPath != "" {
		fileCfg, err := app.LoadConfigFile(*configPath)
		if err != nil {
			return nil, false, usageError("%v", err)
		}
		cfg = fileCfg
	}

	// Flags given on the command line override the file. Defaults only
	// fill fields the file left empty.
	set := func(name string, apply func()) {
		if fs.Changed(name) || *configPath == "" {
			apply()
		}
	}
	set("workflow", func() {
		if *workflow != "" {
			cfg.WorkflowPath = *workflow
		}
	})
	if fs.NArg() > 1 {
		return nil, false, usageError("expected one workflow path, got %d", fs.NArg())
	}
	if fs.NArg() == 1 && *workflow == "" {
		cfg.WorkflowPath = fs.Arg(0)
	}
	slog.Debug("Workflow path determined.", "path", cfg.WorkflowPath)
	if cfg.WorkflowPath == "" {
		slog.Debug("No workflow path provided, printing usage and exiting.")
		fs.Usage()
		return nil, true, nil
	}

	set("event", func() { cfg.Event = *event })
	set("ref", func() { cfg.Ref = *ref })
	set("sha", func() { cfg.SHA = *sha })
	set("actor", func() { cfg.Actor = *actor })
	set("worker-label", func() { cfg.WorkerLabels = *labels })
	set("parallelism", func() { cfg.Parallelism = *parallelism })
	set("workspace", func() { cfg.WorkspaceRoot = *workspace })
	set("keep-workspace", func() { cfg.KeepWorkspace = *keep })
	set("cache-dir", func() { cfg.CacheDir = *cacheDir })
	set("artifact-dir", func() { cfg.ArtifactDir = *artifactDir })
	set("snapshot", func() { cfg.SnapshotPath = *snapshot })
	set("events-url", func() { cfg.EventsURL = *eventsURL })
	set("healthcheck-port", func() { cfg.HealthcheckPort = *healthPort })
	set("log-format", func() { cfg.LogFormat = *logFormat })
	set("log-level", func() { cfg.LogLevel = *logLevel })
	set("watch", func() { cfg.Watch = *watch })
	if fs.Changed("workers") {
		cfg.Workers = nil
		cfg.WorkerCount = *workers
	} else if *configPath == "" {
		cfg.WorkerCount = *workers
	}

	for k, v := range *inputs {
		if cfg.Inputs == nil {
			cfg.Inputs = map[string]string{}
		}
		cfg.Inputs[k] = v
	}
	for _, s := range *secrets {
		name, value, ok := strings.Cut(s, "=")
		if !ok {
			value, ok = os.LookupEnv(name)
			if !ok {
				return nil, false, usageError("secret %q is not set in the environment", name)
			}
		}
		if cfg.Secrets == nil {
			cfg.Secrets = map[string]string{}
		}
		cfg.Secrets[name] = value
	}

	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, usageError("%v", err)
	}

	slog.Debug("CLI parser finished successfully.", "workflow", config.WorkflowPath, "event", config.Event)
	return config, false, nil
}
