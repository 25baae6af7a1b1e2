package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	config "herald/app/configs"
	"herald/app/core/agentloop"
	"herald/app/core/agents"
	"herald/app/core/coding"
	"herald/app/core/coding/tools"
	"herald/app/core/db"
	"herald/app/core/github"
	"herald/app/core/interaction/telegram"
	"herald/app/core/llm"
	"herald/app/core/memory"
	"herald/app/core/metrics"
	"herald/app/core/newsletter"
	"herald/app/core/queue"
	"herald/app/core/supervisor"
	"herald/app/pkg/logger"
	"herald/app/pkg/types"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Herald starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	database, err := db.NewSQLiteDB(filepath.Join(cfg.Agent.DataDir, "db"))
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database ready at %s", database.Path())

	taskQueue := queue.New(database)
	facts := memory.NewFacts(database)
	contexts := memory.NewContextStore(cfg.Memory.MaxTurns, time.Duration(cfg.Memory.TTLMinutes)*time.Minute)
	recorder := metrics.NewRecorder(database)

	completer, err := llm.NewOpenAIClient(llm.Options{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		FastModel:      cfg.LLM.FastModel,
		DeepModel:      cfg.LLM.DeepModel,
		RequestTimeout: time.Duration(cfg.LLM.RequestTimeoutSec) * time.Second,
	})
	if err != nil {
		logger.Error("Failed to initialize LLM client: %v", err)
		os.Exit(1)
	}
	completer.OnUsage(func(apiName string, tokens int, cost float64) {
		if err := recorder.Record(context.Background(), apiName, tokens, cost); err != nil {
			logger.Error("Failed to record usage: %v", err)
		}
	})

	channel := telegram.NewChannel(telegram.Config{
		BotToken:     cfg.Telegram.BotToken,
		PollInterval: time.Duration(cfg.Telegram.PollIntervalSec) * time.Second,
	})

	newsState := newsletter.NewState(database)
	orchestrator := newsletter.NewOrchestrator(
		[]newsletter.Source{newsletter.NewHNSource("AI")},
		[]newsletter.Publisher{newsletter.NewChannelPublisher("telegram", channel, cfg.Telegram.OwnerID)},
		newsState,
		completer,
		cfg.Newsletter.MinItems,
	)

	sup := supervisor.New()
	statusBuilder := agents.NewStatusBuilder(taskQueue, newsState, recorder, facts, sup.Statuses)

	// The repository a code task edits is resolved per task (the
	// default_repo fact first, then config), so the runner is built on
	// demand rather than once at startup.
	codingOpts := coding.Options{
		BranchPrefix:       cfg.Coding.BranchPrefix,
		MaxToolIterations:  cfg.Coding.MaxToolIterations,
		MaxToolResultChars: cfg.Coding.MaxToolResultChars,
		ContextKeepPairs:   cfg.Coding.ContextKeepPairs,
		TestCommand:        cfg.Coding.TestCommand,
		TestArgs:           cfg.Coding.TestArgs,
		TestTimeout:        time.Duration(cfg.Coding.TestTimeoutSec) * time.Second,
	}
	newCoder := func(repoPath string) (agents.CodeRunner, error) {
		repoFS, err := tools.NewFS(repoPath)
		if err != nil {
			return nil, err
		}
		shell := tools.NewShell(repoFS.Root(), cfg.Coding.AllowedCommands, time.Duration(cfg.Coding.TestTimeoutSec)*time.Second)
		git := tools.NewGit(repoFS.Root())
		return coding.NewRunner(repoFS, shell, git, completer, codingOpts), nil
	}
	if cfg.Coding.RepoPath != "" {
		logger.Info("Coding agent defaults to %s", cfg.Coding.RepoPath)
	} else {
		logger.Info("Coding agent has no default repo; remember default_repo to enable it")
	}

	worker := agents.NewWorker(taskQueue, newCoder, orchestrator, facts, channel, statusBuilder.Build, agents.WorkerOptions{
		Lease:          time.Duration(cfg.Queue.LeaseMinutes) * time.Minute,
		ClarifyTimeout: time.Duration(cfg.Queue.ClarifyTimeoutMin) * time.Minute,
		DefaultRepo:    cfg.Coding.RepoPath,
	})

	chatAgent := agents.NewChatAgent(taskQueue, facts, contexts, completer, channel, statusBuilder.Build, agents.ChatOptions{
		OwnerID:            cfg.Telegram.OwnerID,
		CodePriority:       cfg.Queue.CodePriority,
		NewsletterPriority: cfg.Queue.TriggerPriority,
		ContextTurns:       cfg.Queue.ContextTurnsInQueue,
		ClarifyTimeout:     time.Duration(cfg.Queue.ClarifyTimeoutMin) * time.Minute,
	})

	trigger := agents.NewNewsletterTrigger(taskQueue, newsState, cfg.Newsletter.IntervalMinutes, cfg.Queue.TriggerPriority)

	workerRunner := agentloop.NewRunner("worker", time.Duration(cfg.Queue.WorkerPollSec)*time.Second, worker.Cycle)
	triggerRunner := agentloop.NewRunner("newsletter", time.Duration(cfg.Newsletter.PollIntervalSec)*time.Second, trigger.Cycle)
	sup.Add(workerRunner)
	sup.Add(triggerRunner)

	if cfg.GitHub.Enabled && cfg.GitHub.Token != "" && cfg.GitHub.Repo != "" {
		client := github.NewClient(cfg.GitHub.Token, cfg.GitHub.Repo)
		ledger := github.NewLedger(database)
		monitor := github.NewMonitor(
			client,
			ledger,
			github.NewDescriber(client, completer),
			github.NewCIFixer(client, ledger, completer, cfg.GitHub.MaxFixAttempts),
			github.NewReviewer(client, completer),
			channel,
			cfg.Telegram.OwnerID,
		)
		monitorRunner := agentloop.NewRunner("github", time.Duration(cfg.GitHub.PollIntervalSec)*time.Second,
			func(ctx context.Context) error {
				return agentloop.Cycle[github.PRSnapshot, github.PREvent, github.Outcome](ctx, monitor)
			})
		sup.Add(monitorRunner)
		logger.Info("GitHub monitor watching %s", cfg.GitHub.Repo)
	}

	// A degraded agent is worth a ping; the operator can't watch logs.
	for _, runner := range []*agentloop.Runner{workerRunner, triggerRunner} {
		runner.OnDegraded(func(name string, err error) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			text := fmt.Sprintf("Heads up: the %s agent keeps failing (%v). I'll keep retrying with backoff.", name, err)
			if sendErr := channel.Send(notifyCtx, cfg.Telegram.OwnerID, text); sendErr != nil {
				logger.Error("Failed to send degraded notice: %v", sendErr)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.AddFunc("telegram", func(ctx context.Context) error {
		return channel.Start(ctx, func(msg types.Message) {
			chatAgent.HandleMessage(ctx, msg)
		})
	})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Received signal: %v. Herald shutting down...", sig)
		cancel()
	}()

	logger.Info("Herald is up.")
	if err := sup.Run(ctx); err != nil {
		logger.Error("Supervisor exited: %v", err)
		os.Exit(1)
	}
	logger.Info("Herald stopped.")
}
