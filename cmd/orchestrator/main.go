// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dcf21/eas-orchestrator/internal/catalogue"
	"github.com/dcf21/eas-orchestrator/internal/config"
	"github.com/dcf21/eas-orchestrator/internal/diagnostics"
	"github.com/dcf21/eas-orchestrator/internal/fileregistry"
	"github.com/dcf21/eas-orchestrator/internal/handlers/expansion"
	"github.com/dcf21/eas-orchestrator/internal/handlers/leaf"
	"github.com/dcf21/eas-orchestrator/internal/jobfile"
	"github.com/dcf21/eas-orchestrator/internal/obs"
	"github.com/dcf21/eas-orchestrator/internal/queue"
	"github.com/dcf21/eas-orchestrator/internal/scheduler"
	"github.com/dcf21/eas-orchestrator/internal/store"
	"github.com/dcf21/eas-orchestrator/internal/supervisor"
	"github.com/dcf21/eas-orchestrator/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var jobPath string
	var jobName string
	var dumpPath string
	var adminYes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "worker", "Role to run: worker|supervisor|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: submit|schedule|reschedule|purge-queues|tree|running-tree|progress|timings|pass-fail|errors|store-dump|store-restore|store-init")
	fs.StringVar(&jobPath, "job", "", "Job description file for admin submit")
	fs.StringVar(&jobName, "job-name", "", "Job name for admin submit (defaults to the file's job_name)")
	fs.StringVar(&dumpPath, "file", "", "Snapshot file for admin store-dump/store-restore")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer st.Close()

	q, err := queue.NewFromConfig(cfg, st)
	if err != nil {
		logger.Fatal("failed to open queue", obs.Err(err))
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role == "admin" {
		if err := runAdmin(ctx, cfg, st, q, logger, adminCmd, jobPath, jobName, dumpPath, adminYes); err != nil {
			logger.Error("admin command failed", obs.String("cmd", adminCmd), obs.Err(err))
			os.Exit(1)
		}
		return
	}

	// HTTP server: metrics, healthz, readyz, diagnostics read API
	readyCheck := func(c context.Context) error {
		_, err := st.ListRootTasks(c)
		return err
	}
	httpSrv := obs.StartHTTPServerWithAPI(cfg.Observability.MetricsPort, readyCheck, diagnostics.Handler(st))
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	switch role {
	case "worker":
		if err := runWorker(ctx, cfg, st, q, logger); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "supervisor":
		supervisor.New(cfg, st, logger).Run(ctx)
	case "all":
		go supervisor.New(cfg, st, logger).Run(ctx)
		go scheduleLoop(ctx, cfg, st, q, logger)
		if err := runWorker(ctx, cfg, st, q, logger); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgresStore(cfg.Store.DSN)
	default:
		return store.NewSQLiteStore(cfg.Store.DSN)
	}
}

func buildRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	expansion.Register(reg)
	leaf.Register(reg)
	return reg
}

func runWorker(ctx context.Context, cfg *config.Config, st store.Store, q queue.Queue, logger *zap.Logger) error {
	cat, err := catalogue.Load(cfg.TaskTypes.CataloguePath)
	if err != nil {
		return err
	}
	if err := cat.SyncToStore(ctx, st); err != nil {
		return err
	}
	capabilities, err := cat.CapabilitySet(cfg.Worker.Container)
	if err != nil {
		return err
	}
	logger.Info("worker capabilities",
		obs.String("container", cfg.Worker.Container),
		obs.Int("task_types", len(capabilities)))

	env := &worker.Env{
		Store:       st,
		Files:       fileregistry.New(st, cfg.Repository.RootPath),
		Log:         logger,
		MaxLogLen:   cfg.Logging.MaxMessageLength,
		ScratchRoot: cfg.Worker.ScratchPath,
	}
	obs.StartQueueLengthUpdater(ctx, q, capabilities, 2*time.Second, logger)
	w := worker.New(cfg, st, q, env, buildRegistry(), capabilities, logger)
	return w.Run(ctx)
}

// scheduleLoop keeps promoting newly eligible tasks while the combined
// role is running; in a multi-process deployment this is the admin
// schedule command run from cron instead.
func scheduleLoop(ctx context.Context, cfg *config.Config, st store.Store, q queue.Queue, logger *zap.Logger) {
	sched := scheduler.New(st, q)
	ticker := time.NewTicker(cfg.Worker.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			scheduled, err := sched.ScheduleEligible(ctx, scheduler.NeverAttempted)
			obs.SchedulerScanDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				logger.Error("schedule scan error", obs.Err(err))
				continue
			}
			if len(scheduled) > 0 {
				logger.Info("scheduled tasks", obs.Int("count", len(scheduled)))
			}
		}
	}
}

func runAdmin(ctx context.Context, cfg *config.Config, st store.Store, q queue.Queue, logger *zap.Logger, cmd, jobPath, jobName, dumpPath string, yes bool) error {
	sched := scheduler.New(st, q)
	switch cmd {
	case "submit":
		if jobPath == "" {
			return fmt.Errorf("submit requires --job")
		}
		taskID, err := jobfile.Submit(ctx, st, jobPath, jobName)
		if err != nil {
			return err
		}
		fmt.Printf("submitted root task %d\n", taskID)
		return nil
	case "schedule":
		scheduled, err := sched.ScheduleEligible(ctx, scheduler.NeverAttempted)
		if err != nil {
			return err
		}
		fmt.Printf("scheduled %d tasks\n", len(scheduled))
		return nil
	case "reschedule":
		scheduled, err := sched.RescheduleUnfinished(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("rescheduled %d tasks\n", len(scheduled))
		return nil
	case "purge-queues":
		if !yes {
			return fmt.Errorf("refusing to purge without --yes")
		}
		return purgeQueues(ctx, cfg, st, q)
	case "tree":
		roots, err := diagnostics.Tree(ctx, st, false)
		if err != nil {
			return err
		}
		fmt.Print(diagnostics.RenderTree(roots))
		return nil
	case "running-tree":
		roots, err := diagnostics.Tree(ctx, st, true)
		if err != nil {
			return err
		}
		fmt.Print(diagnostics.RenderTree(roots))
		return nil
	case "progress":
		rows, err := diagnostics.Progress(ctx, st)
		if err != nil {
			return err
		}
		fmt.Print(diagnostics.RenderProgress(rows))
		return nil
	case "timings":
		rows, err := diagnostics.Timings(ctx, st)
		if err != nil {
			return err
		}
		fmt.Print(diagnostics.RenderTimings(rows))
		return nil
	case "pass-fail":
		rows, err := diagnostics.PassFail(ctx, st)
		if err != nil {
			return err
		}
		fmt.Print(diagnostics.RenderPassFail(rows))
		return nil
	case "errors":
		entries, err := diagnostics.Errors(ctx, st)
		if err != nil {
			return err
		}
		fmt.Print(diagnostics.RenderErrors(entries))
		return nil
	case "store-dump":
		if dumpPath == "" {
			return fmt.Errorf("store-dump requires --file")
		}
		snap, err := st.Dump(ctx)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(dumpPath, data, 0o644)
	case "store-restore":
		if dumpPath == "" {
			return fmt.Errorf("store-restore requires --file")
		}
		data, err := os.ReadFile(dumpPath)
		if err != nil {
			return err
		}
		var snap store.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		return st.Restore(ctx, &snap)
	case "store-init":
		if !yes {
			return fmt.Errorf("store-init recreates the schema destructively; refusing without --yes")
		}
		return st.Init(ctx)
	default:
		return fmt.Errorf("unknown admin command %q", cmd)
	}
}

// purgeQueues drains every task-type queue: each waiting attempt is
// claimed and immediately finished as error_fail with a purge marker,
// so the tasks become visible to reschedule rather than lingering
// queued forever.
func purgeQueues(ctx context.Context, cfg *config.Config, st store.Store, q queue.Queue) error {
	cat, err := catalogue.Load(cfg.TaskTypes.CataloguePath)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	hostID, err := st.RegisterHost(ctx, hostname)
	if err != nil {
		return err
	}
	purged := 0
	for _, taskType := range cat.TaskTypes() {
		for {
			id, ok, err := q.FetchClaim(ctx, taskType, true, hostID)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := st.FinishAttempt(ctx, store.AttemptResult{
				AttemptID: id,
				ErrorFail: true,
				ErrorText: "purged from queue",
				EndTime:   time.Now(),
			}); err != nil {
				return err
			}
			purged++
		}
	}
	fmt.Printf("purged %d queued attempts\n", purged)
	return nil
}
