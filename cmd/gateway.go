package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llbot-im/llgate/internal/adapter"
	"github.com/llbot-im/llgate/internal/adapter/discord"
	"github.com/llbot-im/llgate/internal/adapter/milky"
	"github.com/llbot-im/llgate/internal/adapter/telegram"
	"github.com/llbot-im/llgate/internal/cfgstore"
	"github.com/llbot-im/llgate/internal/config"
	"github.com/llbot-im/llgate/internal/dispatch"
	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/i18n"
	"github.com/llbot-im/llgate/internal/push"
	"github.com/llbot-im/llgate/internal/registry"
	"github.com/llbot-im/llgate/internal/sessionrepo"
	"github.com/llbot-im/llgate/internal/store"
	"github.com/llbot-im/llgate/internal/store/memory"
	redisstore "github.com/llbot-im/llgate/internal/store/redis"
)

// stores bundles the shared-state backends plus their teardown.
type stores struct {
	buffer      store.SessionBuffer
	queue       store.SessionQueue
	routes      store.GroupRouteStore
	streaks     store.EchoStreakStore
	botMessages store.BotMessageStore
	locks       store.DailyLocker
	registryKV  registry.KV // nil in single-process mode
	close       func()
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}
	lang := i18n.Normalize(cfg.Lang)
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Error("bad timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error("store initialization failed", "error", err)
		os.Exit(1)
	}

	router, err := cfgstore.NewRouterStore(cfg.DataDir, cfg.GlobalEchoRate, cfg.EchoRateSet)
	if err != nil {
		log.Error("router store initialization failed", "error", err)
		os.Exit(1)
	}
	groups, err := cfgstore.NewGroupStore(cfg.DataDir, cfg.MaxSessions, log)
	if err != nil {
		log.Error("group store initialization failed", "error", err)
		os.Exit(1)
	}
	go groups.Watch(ctx)
	sessions := sessionrepo.New(cfg.DataDir)

	multi, pool, err := buildAdapters(cfg, st, log)
	if err != nil {
		log.Error("adapter initialization failed", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(dispatch.Options{
		Aliases:        cfg.Aliases,
		Router:         router,
		Groups:         groups,
		Sessions:       sessions,
		Buffer:         st.buffer,
		Queue:          st.queue,
		Routes:         st.routes,
		BotMessages:    st.botMessages,
		Echo:           dispatch.NewEchoTracker(st.streaks),
		Sender:         multi,
		ModelWhitelist: cfg.ModelWhitelist,
		Lang:           lang,
		Log:            log,
	})

	// Every inbound event dispatches on its own goroutine; the buffer gate
	// serializes per conversation, so parallel dispatch is safe.
	multi.OnEvent(func(ev *event.Event) {
		go dispatcher.Dispatch(ctx, ev)
	})

	if pool != nil {
		reg := registry.NewRegistry(st.registryKV, cfg.RegistryPrefix, cfg.RegistryPoll, pool.Reconcile, log)
		go reg.Run(ctx)
	}
	if st.registryKV != nil && cfg.MilkyURL != "" && cfg.MilkyBotID != "" {
		entry := registry.Entry{BotID: cfg.MilkyBotID, WSURL: cfg.MilkyURL, Platform: "milky"}
		registrar, err := registry.NewRegistrar(st.registryKV, cfg.RegistryPrefix, entry, cfg.RegistryTTL, cfg.RegistryRefresh, log)
		if err != nil {
			log.Error("registrar initialization failed", "error", err)
			os.Exit(1)
		}
		go registrar.Run(ctx)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, adapter.ConnectTimeout)
	err = multi.Connect(connectCtx)
	connectCancel()
	if err != nil {
		log.Error("no adapter could connect", "error", err)
		os.Exit(1)
	}

	prompt := cfg.PushPrompt
	if prompt == "" {
		prompt = lang.PushPrompt()
	}
	scheduler := push.New(push.Options{
		Groups:     groups,
		Routes:     st.routes,
		Locks:      st.locks,
		Dispatcher: dispatcher,
		Prompt:     prompt,
		Location:   loc,
		Interval:   cfg.PushInterval,
		Log:        log,
	})
	go scheduler.Run(ctx)

	log.Info("llgate gateway started",
		"version", Version,
		"platforms", cfg.Platforms,
		"data_dir", cfg.DataDir,
		"redis", cfg.RedisURL != "")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("graceful shutdown initiated", "signal", sig.String())

	// Phase 1 stops inbound traffic, phase 2 closes shared state. The grace
	// deadline forces exit if an upstream hangs on close.
	done := make(chan struct{})
	go func() {
		if err := multi.Disconnect(); err != nil {
			log.Warn("adapter disconnect failed", "error", err)
		}
		cancel()
		st.close()
		close(done)
	}()
	select {
	case <-done:
		log.Info("shutdown complete")
	case <-time.After(cfg.ShutdownGrace):
		log.Error("shutdown deadline exceeded, forcing exit")
		os.Exit(2)
	}
}

// openStores selects the Redis-backed stores when LLGATE_REDIS_URL is set and
// the in-memory single-process variants otherwise.
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	if cfg.RedisURL == "" {
		log.Info("no redis configured, using in-process stores")
		queue := memory.NewQueue()
		return &stores{
			buffer:      memory.NewBuffer(0),
			queue:       queue,
			routes:      memory.NewRoutes(),
			streaks:     memory.NewStreaks(0),
			botMessages: memory.NewBotMessages(),
			locks:       memory.NewLocks(),
			close:       queue.Close,
		}, nil
	}

	rdb, err := redisstore.Open(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	queue := redisstore.NewQueue(rdb)
	if n, err := queue.Recover(ctx); err != nil {
		log.Warn("orphaned job recovery failed", "error", err)
	} else if n > 0 {
		log.Info("requeued orphaned session jobs", "count", n)
	}
	return &stores{
		buffer:      redisstore.NewBuffer(rdb, store.DefaultGateTTL),
		queue:       queue,
		routes:      redisstore.NewRoutes(rdb),
		streaks:     redisstore.NewStreaks(rdb, store.DefaultStreakTTL),
		botMessages: redisstore.NewBotMessages(rdb),
		locks:       redisstore.NewLocks(rdb),
		registryKV:  registry.NewRedisKV(rdb),
		close: func() {
			if err := rdb.Close(); err != nil {
				log.Warn("redis close failed", "error", err)
			}
		},
	}, nil
}

// buildAdapters assembles the per-platform children. Milky connects either to
// a static endpoint or, with Redis, to whatever the bot registry advertises.
func buildAdapters(cfg *config.Config, st *stores, log *slog.Logger) (*adapter.Multi, *adapter.Pool, error) {
	var children []adapter.Adapter

	if cfg.Enabled("discord") {
		d, err := discord.New(cfg.DiscordToken, log)
		if err != nil {
			return nil, nil, err
		}
		d.SetSentRecorder(st.botMessages.MarkSent)
		children = append(children, d)
	}
	if cfg.Enabled("telegram") {
		t, err := telegram.New(cfg.TelegramToken, log)
		if err != nil {
			return nil, nil, err
		}
		t.SetSentRecorder(st.botMessages.MarkSent)
		children = append(children, t)
	}

	var pool *adapter.Pool
	if cfg.Enabled("milky") {
		switch {
		case cfg.MilkyURL != "":
			children = append(children, milky.New(cfg.MilkyURL, log))
		case st.registryKV != nil:
			pool = adapter.NewPool("milky", func(e registry.Entry) adapter.Adapter {
				return milky.New(e.WSURL, log)
			}, log)
			children = append(children, pool)
		default:
			log.Warn("milky enabled but neither LLGATE_MILKY_URL nor redis registry is configured")
		}
	}

	return adapter.NewMulti(log, children...), pool, nil
}
