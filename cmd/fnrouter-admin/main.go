package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fnrouter/fnrouter/config"
	"github.com/fnrouter/fnrouter/internal/adapters/queue"
	"github.com/fnrouter/fnrouter/internal/bootstrap"
	"github.com/fnrouter/fnrouter/internal/data"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"list-schedules": {
			name:        "list-schedules",
			description: "List registered schedules with their firing state",
			run:         runListSchedules,
		},
		"list-tasks": {
			name:        "list-tasks",
			description: "List persisted tasks with their run state",
			run:         runListTasks,
		},
		"show-job": {
			name:        "show-job",
			description: "Print a job row as JSON",
			run:         runShowJob,
		},
		"cancel-job": {
			name:        "cancel-job",
			description: "Cancel a pending or running job",
			run:         runCancelJob,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: fnrouter-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	for _, c := range commands() {
		if err := writef(os.Stdout, "  %-16s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runListSchedules(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-schedules", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	schedules, err := data.NewScheduleRepo(db).GetAll(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "NAME\tTYPE\tSTATUS\tNEXT_RUN_AT\tACTIVE_JOB\tFAILURES\tLAST_ERROR\n"); err != nil {
		return err
	}
	for _, s := range schedules {
		if err := writef(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Name,
			s.Type,
			s.Status,
			formatTime(s.NextRunAt),
			formatString(s.ActiveJobID),
			s.ConsecutiveFailures,
			formatString(s.LastError),
		); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runListTasks(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-tasks", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	tasks, err := data.NewTaskRepo(db).GetAll(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "NAME\tTYPE\tSCHEDULE\tSTATUS\tENABLED\tNEXT_RUN_AT\tFAILURES\tLAST_ERROR\n"); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := writef(w, "%s\t%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
			t.Name,
			t.Type,
			t.ScheduleType,
			t.Status,
			t.Enabled,
			formatTime(t.NextRunAt),
			t.ConsecutiveFailures,
			formatString(t.LastError),
		); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runShowJob(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show-job", flag.ContinueOnError)
	id := fs.String("id", "", "job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	job, err := queue.New(queue.Options{DB: db, Logger: cmdCtx.Logger}).GetJob(ctx, *id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", *id)
	}

	body, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return writef(os.Stdout, "%s\n", body)
}

func runCancelJob(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("cancel-job", flag.ContinueOnError)
	id := fs.String("id", "", "job id")
	reason := fs.String("reason", "cancelled by operator", "cancellation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	if err := queue.New(queue.Options{DB: db, Logger: cmdCtx.Logger}).CancelJob(ctx, *id, *reason); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	cmdCtx.Logger.Info("job cancelled", "job_id", *id, "reason", *reason)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatString(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
