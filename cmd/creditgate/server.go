package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/creditgate/internal/cache"
	"github.com/MarkoPoloResearchLab/creditgate/internal/gateway"
	"github.com/MarkoPoloResearchLab/creditgate/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditgate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditgate/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditgate/internal/policy"
	"github.com/MarkoPoloResearchLab/creditgate/internal/provider"
	"github.com/MarkoPoloResearchLab/creditgate/internal/provider/httpcaller"
	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const staleSweepBatch = 100

func newLogger(cfg *runtimeConfig) (*zap.Logger, error) {
	if cfg.LogDev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gatewayPolicy, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return err
	}
	if err := checkDispatchBudget(gatewayPolicy, cfg.maxDispatch()); err != nil {
		return err
	}

	dataStore, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(dataStore, clock,
		ledger.WithOperationLogger(oplog.New(logger)),
		ledger.WithDefaultTier(ledger.Tier(gatewayPolicy.DefaultTier)),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	settlementService, err := settlement.NewService(dataStore, ledgerService, plansFromPolicy(gatewayPolicy), clock, logger.Named("settlement"))
	if err != nil {
		return fmt.Errorf("settlement service init: %w", err)
	}

	gatewayConfig := gateway.Config{
		Policy:      gatewayPolicy,
		Ledger:      ledgerService,
		Logger:      logger.Named("gateway"),
		MaxDispatch: cfg.maxDispatch(),
	}
	registryOptions := []provider.RegistryOption{provider.WithLogger(logger.Named("provider"))}
	if cfg.RedisAddr != "" {
		redisCache, err := cache.New(ctx, cfg.RedisAddr, logger.Named("cache"))
		if err != nil {
			return err
		}
		defer func() { _ = redisCache.Close() }()
		registryOptions = append(registryOptions, provider.WithSharedState(redisCache))
		gatewayConfig.Cache = redisCache
		gatewayConfig.Limiter = redisCache
	}

	registry, chains, err := buildRegistry(gatewayPolicy, registryOptions...)
	if err != nil {
		return err
	}
	gatewayConfig.Chains = chains
	gatewayConfig.Health = registry
	gatewayService, err := gateway.New(gatewayConfig)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.HTTPListenAddr != "" {
		httpServer, err := httpapi.New(httpapi.Config{
			ListenAddr:        cfg.HTTPListenAddr,
			AllowedOrigins:    cfg.AllowedOrigins,
			SessionSigningKey: cfg.SessionSigningKey,
			SessionIssuer:     cfg.SessionIssuer,
			SessionCookieName: cfg.SessionCookie,
			WebhookSecret:     cfg.WebhookSecret,
		}, gatewayService, ledgerService, settlementService, logger.Named("http"))
		if err != nil {
			return err
		}
		group.Go(func() error { return httpServer.Run(groupCtx) })
	}
	if cfg.GRPCListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer := grpc.NewServer()
		grpcserver.RegisterGatewayServiceServer(grpcServer, grpcserver.NewGatewayServer(gatewayService, ledgerService, settlementService))
		group.Go(func() error {
			logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			logger.Info("shutdown requested")
			grpcServer.GracefulStop()
			return nil
		})
	}
	group.Go(func() error {
		sweepStaleReservations(groupCtx, ledgerService, cfg.ReservationMaxAge, cfg.SweepInterval, logger.Named("sweeper"))
		return nil
	})
	return group.Wait()
}

// checkDispatchBudget rejects policies whose slowest chain walk outlasts maxDispatch.
func checkDispatchBudget(gatewayPolicy policy.Policy, maxDispatch time.Duration) error {
	timeouts := make(map[string]time.Duration, len(gatewayPolicy.Providers))
	for _, providerPolicy := range gatewayPolicy.Providers {
		timeouts[providerPolicy.ID] = providerPolicy.Timeout
	}
	for _, tier := range gatewayPolicy.Tiers {
		var total time.Duration
		for _, providerID := range tier.Providers {
			total += timeouts[providerID]
		}
		if total >= maxDispatch {
			return fmt.Errorf("tier %s can dispatch for %s but reservation max age leaves %s", tier.Name, total, maxDispatch)
		}
	}
	return nil
}

func plansFromPolicy(gatewayPolicy policy.Policy) []settlement.Plan {
	plans := make([]settlement.Plan, 0, len(gatewayPolicy.Plans))
	for _, plan := range gatewayPolicy.Plans {
		plans = append(plans, settlement.Plan{ID: plan.ID, Credits: plan.Credits, Tier: ledger.Tier(plan.Tier)})
	}
	return plans
}

func buildRegistry(gatewayPolicy policy.Policy, options ...provider.RegistryOption) (*provider.Registry, map[string]gateway.Dispatcher, error) {
	configs := make([]provider.EndpointConfig, 0, len(gatewayPolicy.Providers))
	for _, providerPolicy := range gatewayPolicy.Providers {
		apiKey := ""
		if providerPolicy.APIKeyEnv != "" {
			apiKey = os.Getenv(providerPolicy.APIKeyEnv)
		}
		caller, err := httpcaller.New(httpcaller.Config{URL: providerPolicy.URL, APIKey: apiKey})
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", providerPolicy.ID, err)
		}
		configs = append(configs, provider.EndpointConfig{ID: providerPolicy.ID, Caller: caller, Timeout: providerPolicy.Timeout})
	}
	registry, err := provider.NewRegistry(configs, provider.BreakerConfig{
		FailureThreshold:   gatewayPolicy.Breaker.FailureThreshold,
		Cooldown:           gatewayPolicy.Breaker.Cooldown,
		PermissionCooldown: gatewayPolicy.Breaker.PermissionCooldown,
	}, options...)
	if err != nil {
		return nil, nil, err
	}
	chains := make(map[string]gateway.Dispatcher, len(gatewayPolicy.Tiers))
	for _, tier := range gatewayPolicy.Tiers {
		chain, err := registry.Chain(tier.Providers)
		if err != nil {
			return nil, nil, fmt.Errorf("tier %s: %w", tier.Name, err)
		}
		chains[tier.Name] = chain
	}
	return registry, chains, nil
}

// sweepStaleReservations releases holds whose request never settled, until ctx ends.
func sweepStaleReservations(ctx context.Context, ledgerService *ledger.Service, maxAge time.Duration, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := ledgerService.ReleaseStale(ctx, int64(maxAge/time.Second), staleSweepBatch)
			if err != nil && ctx.Err() == nil {
				logger.Warn("stale reservation sweep failed", zap.Int("released", released), zap.Error(err))
				continue
			}
			if released > 0 {
				logger.Info("released stale reservations", zap.Int("released", released))
			}
		}
	}
}
