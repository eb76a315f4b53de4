package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/core/reconnect"
	"github.com/gaspardpetit/stagebridge/core/redisx"
	"github.com/gaspardpetit/stagebridge/core/secret"
	"github.com/gaspardpetit/stagebridge/internal/behavior"
	"github.com/gaspardpetit/stagebridge/internal/stage"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/codecache"
	"github.com/gaspardpetit/stagebridge/sdk/base/connector"
	"github.com/gaspardpetit/stagebridge/sdk/base/executor"
	"github.com/gaspardpetit/stagebridge/sdk/base/inflight"
	basemetrics "github.com/gaspardpetit/stagebridge/sdk/base/metrics"
	"github.com/gaspardpetit/stagebridge/sdk/base/remote"
	"github.com/gaspardpetit/stagebridge/server/internal/config"
	"github.com/gaspardpetit/stagebridge/server/internal/metrics"
	"github.com/gaspardpetit/stagebridge/server/internal/server"
	"github.com/gaspardpetit/stagebridge/server/internal/stagestate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.StageConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if p, ok := config.ConfigPathFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "stagebridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("stagebridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	log := logx.Log.With().Str("stage", cfg.StageName).Logger()
	if _, err := server.OpenAPI(); err != nil {
		log.Fatal().Err(err).Msg("invalid openapi document")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	basemetrics.Register(reg)
	metrics.Register(reg)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	var (
		store      codecache.Store = codecache.NewMemoryStore()
		stateStore stagestate.Store
	)
	if cfg.RedisAddr != "" {
		client, err := redisx.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = client.Close() }()
		store = codecache.NewRedisStore(client, "stagebridge:code:")
		if stateStore, err = stagestate.NewRedisStore(ctx, client, cfg.StageName); err != nil {
			log.Fatal().Err(err).Msg("redis state store")
		}
		log.Info().Msg("using redis code cache and state store")
	}
	tracker := stagestate.NewTracker(stateStore)

	codec := bridge.NewCodec(append(slices.Clone(bridge.DefaultAllowList), cfg.AllowedTypes...))
	behaviors := behavior.NewRegistry()
	behaviors.SetExecTimeout(cfg.ExecTimeout)
	behavior.RegisterBuiltins(behaviors, nil)
	st := stage.New(stage.Options{
		Name:              cfg.StageName,
		Codec:             codec,
		Store:             store,
		Behaviors:         behaviors,
		MailboxSize:       cfg.MailboxSize,
		DefaultQuota:      &cfg.DefaultQuota,
		Quotas:            cfg.Quotas,
		AllowRemoteCreate: cfg.AllowRemoteCreate,
	})

	counter := &inflight.Counter{}
	pool := executor.New(cfg.Workers)
	connOpts := connector.Options{
		ClientKey: cfg.ClientKey,
		ChannelID: cfg.ChannelID,
		Pool:      pool,
		Inflight:  counter,
		Heartbeat: cfg.Heartbeat,
	}
	sel, err := connector.NewSelector(cfg.Connector, connOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("connector")
	}
	sel.RegisterLocal(cfg.StageName, st)
	hub := connector.NewHub(st, connOpts, tracker.IsDraining)

	var peers sync.WaitGroup
	for _, addr := range cfg.Peers {
		neg, err := sel.Negotiator(addr)
		if err != nil {
			log.Fatal().Err(err).Str("peer", addr).Msg("peer address")
		}
		peers.Add(1)
		go func() {
			defer peers.Done()
			maintainPeer(ctx, addr, neg, st)
		}()
	}

	handler := server.New(cfg, server.Deps{Stage: st, Hub: hub, State: tracker, Inflight: counter, Metrics: reg})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if tracker.IsDraining() || cfg.DrainTimeout == 0 {
				log.Warn().Msg("termination requested")
				cancel()
				return
			}
			tracker.StartDrain()
			metrics.SetDraining(true)
			log.Info().Int64("inflight", counter.Load()).Msg("drain requested")
			waitCtx, stop := ctx, context.CancelFunc(func() {})
			if cfg.DrainTimeout > 0 {
				log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func() {
				defer stop()
				if counter.WaitForZero(waitCtx) {
					log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					log.Warn().Int64("inflight", counter.Load()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if cfg.ClientKey != "" {
		log.Info().Str("client_key", secret.Mask(cfg.ClientKey)).Msg("client key required")
	}
	if metricsSrv != nil {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	tracker.SetStatus(stagestate.StatusReady)
	log.Info().Int("port", cfg.Port).Int("peers", len(cfg.Peers)).Msg("stage starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
	cancel()
	hub.Close()
	peers.Wait()
	pool.Wait()
	st.Close()
	log.Info().Msg("stage stopped")
}

// maintainPeer keeps a channel open to addr until ctx ends, dialing again
// whenever the link is lost.
func maintainPeer(ctx context.Context, addr string, neg bridge.Negotiator, st *stage.Stage) {
	log := logx.Log.With().Str("peer", addr).Logger()
	for ctx.Err() == nil {
		var snd bridge.Sender
		err := reconnect.Run(ctx, func(ctx context.Context) error {
			s, err := neg.Connect(ctx, st)
			metrics.RecordPeerDial(err == nil)
			if err != nil {
				return err
			}
			desc, err := remote.New(s, st.Codec()).Negotiate(ctx)
			if err != nil {
				_ = s.Disconnect()
				return err
			}
			log.Info().Str("channel", connector.RemoteID(s)).Str("remote_stage", desc.Capabilities[bridge.CapStage]).Int("actors", len(desc.Actors)).Msg("peer connected")
			snd = s
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", wait).Msg("peer dial failed")
		})
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			_ = snd.Disconnect()
			return
		case <-connector.Done(snd):
			log.Warn().Msg("peer link lost; reconnecting")
		}
	}
}
