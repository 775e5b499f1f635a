package main

import (
	"FunnelBot/bot/funnel"
	"FunnelBot/bot/telegram"
	"FunnelBot/entity"
	"FunnelBot/impl/core"
	"FunnelBot/internal/config"
	repository "FunnelBot/internal/database"
	"FunnelBot/internal/database/memory"
	"FunnelBot/internal/http-server/api"
	"FunnelBot/internal/lib/logger"
	"FunnelBot/internal/lib/sl"
	"FunnelBot/internal/service/broadcast"
	"FunnelBot/internal/service/dedup"
	"FunnelBot/internal/service/dispatcher"
	"FunnelBot/internal/service/jobs"
	"FunnelBot/internal/ws"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// storage is everything the services need from the persistence layer.
// Both the Mongo repository and the in-memory store provide it.
type storage interface {
	funnel.DefinitionSource
	funnel.StateStore
	funnel.UserStore
	funnel.ConversationStore
	jobs.Store
	broadcast.Repository
	dispatcher.LeadUpserter
	dispatcher.UserUpdater
	dispatcher.ExecutionStore
	core.Repository
}

func main() {

	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	lg := logger.SetupLogger(conf.Env, *logPath)

	lg.Info("starting funnelbot", slog.String("config", *configPath), slog.String("env", conf.Env))
	lg.Debug("debug messages enabled")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage
	db, err := repository.NewMongoClient(conf, lg)
	if err != nil {
		lg.With(
			sl.Err(err),
		).Error("mongo client")
		return
	}
	if db != nil {
		if err = db.EnsureIndexes(ctx); err != nil {
			lg.With(
				sl.Err(err),
			).Error("mongo indexes")
			return
		}
		store = db
		lg.With(
			slog.String("host", conf.Mongo.Host),
			slog.String("port", conf.Mongo.Port),
			slog.String("user", conf.Mongo.User),
			slog.String("database", conf.Mongo.Database),
		).Info("mongo client initialized")
	} else {
		store = memory.New()
		lg.Warn("mongo disabled, using in-memory storage")
	}

	var dd funnel.Deduplicator
	var sweeper core.Sweeper
	if conf.Redis.Enabled {
		rd, err := dedup.NewRedis(conf, conf.Engine.DedupTTL, lg)
		if err != nil {
			lg.With(
				sl.Err(err),
			).Error("redis dedup")
			return
		}
		defer rd.Close()
		dd = rd
		lg.With(
			slog.String("addr", conf.Redis.Addr),
		).Info("redis dedup initialized")
	} else {
		mem := dedup.NewMemory(conf.Engine.DedupTTL)
		dd = mem
		sweeper = mem
	}

	router := telegram.NewRouter()
	var tgBot *telegram.Bot
	if conf.Telegram.Enabled {
		tgBot, err = telegram.NewBot(conf.Telegram.BotName, conf.Telegram.ApiKey, conf.Telegram.TenantID, conf.Telegram.BotID, lg)
		if err != nil {
			lg.Error("failed to initialize telegram bot", sl.Err(err))
		} else {
			router.Register(conf.Telegram.TenantID, conf.Telegram.BotID, telegram.NewMessenger(tgBot.API()))
			lg.With(
				slog.String("bot_name", conf.Telegram.BotName),
				slog.String("tenant_id", conf.Telegram.TenantID),
				slog.String("bot_id", conf.Telegram.BotID),
			).Info("telegram bot initialized")
		}
	}

	hub := ws.NewHub(lg)

	defs := funnel.NewStore(store, conf.Engine.DefinitionsTTL, lg)
	executor := funnel.NewExecutor(funnel.ExecutorOptions{
		TransitionBudget: conf.Engine.TransitionBudget,
		MaxInputRetries:  conf.Engine.MaxInputRetries,
		RetryText:        conf.Engine.RetryText,
		HandoffText:      conf.Engine.HandoffText,
	}, router, lg)
	engine := funnel.NewEngine(defs, executor, store, store, store, router, funnel.EngineOptions{
		StateTTL:     conf.Engine.StateTTL,
		CASAttempts:  conf.Engine.CASAttempts,
		FallbackText: conf.Engine.FallbackText,
	}, lg)

	runner := jobs.NewRunner(store, jobs.Options{
		PollInterval: conf.Jobs.PollInterval,
		BatchSize:    conf.Jobs.BatchSize,
		StaleAfter:   conf.Jobs.StaleAfter,
		RetryBase:    conf.Jobs.RetryBase,
	}, lg)

	actions := dispatcher.New(store, store, store, store, dispatcher.Options{
		Webhook: dispatcher.WebhookOptions{
			Secret:           conf.Actions.WebhookSecret,
			Timeout:          conf.Actions.Timeout,
			InlineRetries:    conf.Actions.InlineRetries,
			BreakerFailures:  conf.Actions.BreakerFailures,
			BreakerOpenDelay: conf.Actions.BreakerOpenDelay,
		},
		NotifyURL:   conf.Actions.NotifyURL,
		MaxAttempts: conf.Actions.MaxAttempts,
		RetryDelay:  conf.Jobs.RetryBase,
	}, lg)
	actions.SetJobScheduler(runner)
	actions.SetHandoffNotifier(hub)

	engine.SetActionDispatcher(actions)
	engine.SetJobScheduler(runner)
	engine.SetDeduplicator(dd)
	engine.SetMessageListener(hub)

	runner.Register(entity.JobDelayResume, engine.ResumeDelay)
	runner.Register(entity.JobActionRetry, actions.RetryAction)
	runner.RecoverStale(ctx)
	go runner.Run(ctx)

	broadcasts := broadcast.New(store, store, router, broadcast.Options{
		RatePerSecond:      conf.Broadcast.RatePerSecond,
		Burst:              conf.Broadcast.Burst,
		BatchSize:          conf.Broadcast.BatchSize,
		Concurrency:        conf.Broadcast.Concurrency,
		MaxThrottleRetries: conf.Broadcast.MaxThrottleRetries,
		ThrottleBackoff:    conf.Broadcast.ThrottleBackoff,
	}, lg)
	broadcasts.Recover(ctx)
	defer broadcasts.Stop()

	handler := core.New(lg)
	handler.SetAuthKey(conf.Listen.ApiKey)
	handler.SetRepository(store)
	handler.SetEngine(engine)
	handler.SetFunnelDefinitions(defs)
	handler.SetBroadcastScheduler(broadcasts)
	handler.SetJobRunner(runner)
	if sweeper != nil {
		handler.SetSweeper(sweeper)
	}

	_, err = handler.StartCron(ctx, core.Schedule{
		DueBroadcasts: conf.Broadcast.DueCheck,
		StaleJobs:     conf.Jobs.StaleCheck,
		DedupSweep:    conf.Engine.DedupSweep,
	})
	if err != nil {
		lg.Error("cron", sl.Err(err))
		return
	}

	hub.SetHandler(handler)
	go hub.Run(ctx)

	if tgBot != nil {
		tgBot.SetEventHandler(engine)
		if err = tgBot.Start(); err != nil {
			lg.Error("telegram bot error", sl.Err(err))
		}
		defer tgBot.Stop()
	}

	go func() {
		<-ctx.Done()
		lg.Info("shutdown signal received")
		broadcasts.Stop()
		os.Exit(0)
	}()

	// *** blocking start with http server ***
	err = api.New(conf, lg, handler, hub)
	if err != nil {
		lg.Error("server start", sl.Err(err))
		return
	}
	lg.Error("service stopped")
}
