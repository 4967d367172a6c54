package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/federate/activitypub"
	"github.com/deemkeen/federate/db"
	"github.com/deemkeen/federate/delivery"
	"github.com/deemkeen/federate/metrics"
	"github.com/deemkeen/federate/util"
	"github.com/deemkeen/federate/web"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox endpoints, the delivery queue and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.ReadConf()
			if err != nil {
				return err
			}
			logger := setupLogger(debug)
			defer logger.Sync()

			if !debug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, conf, logger)
		},
	}
}

func serve(ctx context.Context, conf *util.AppConfig, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", util.GetNameAndVersion()),
		zap.String("domain", conf.Conf.SslDomain),
		zap.Bool("federation", conf.Conf.WithAp))
	logger.Debug("configuration", zap.String("conf", util.PrettyPrint(conf)))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewFederationMetrics(registry)

	dbPath, err := util.DatabasePath(conf)
	if err != nil {
		return err
	}
	database, err := db.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	keyPath, err := util.KeyPath(conf)
	if err != nil {
		return err
	}
	keys, err := util.LoadOrCreateKeyPair(keyPath)
	if err != nil {
		return err
	}
	signer, err := activitypub.NewKeySigner(keys.Private)
	if err != nil {
		return err
	}

	builder, err := activitypub.NewBuilder(conf.Conf.Protocol, conf.Conf.SslDomain, nil)
	if err != nil {
		logger.Fatal("cannot mint local ids", zap.Error(err))
	}
	policy, err := activitypub.PolicyFromConfig(conf)
	if err != nil {
		return err
	}

	transport := activitypub.NewHTTPTransport(nil, signer, activitypub.TransportOptions{
		MaxFetchBytes: conf.Conf.Federation.MaxFetchBytes,
	}, logger)
	gate := activitypub.NewGate(logger, m, 0)
	resolver := activitypub.NewResolver(transport, database, policy, activitypub.ResolverOptionsFromConfig(conf), logger, m)

	manager := delivery.NewManager(database, transport, policy, delivery.OptionsFromConfig(conf), logger, m)
	queue := delivery.NewQueue(database, policy, manager, logger, m)

	handler := activitypub.NewFollowAcceptor(builder, queue, activitypub.LogHandler{Logger: logger.Named("handler")}, logger)
	inbox := activitypub.NewInbox(policy, gate, resolver, database, handler, logger, m)

	public, limiter := web.NewRouter(conf, inbox, keys.Public, logger)
	admin := web.NewAdminRouter(conf, manager, gate, registry, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(ctx)
	})
	g.Go(func() error {
		limiter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return web.Serve(ctx, web.PublicAddr(conf), public, logger.Named("public"))
	})
	g.Go(func() error {
		return web.Serve(ctx, conf.Conf.AdminAddr, admin, logger.Named("admin"))
	})

	err = g.Wait()
	logger.Info("stopped", zap.Error(err))
	return err
}
