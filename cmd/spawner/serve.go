package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/api"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud/ec2"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/events"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/lifecycle"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/reconciler"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/registry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the spawner daemon",
	Long: `Run the spawner daemon: the HTTP lifecycle API for the hub, the gRPC
health service, the periodic reconciler and the metrics collector.

The daemon owns the registry. With the bolt driver no other process can
open the registry file while it runs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("grpc-addr", "", "gRPC health service address (overrides api.grpc_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.Level(cfg.Logging.Level),
			JSONOutput: jsonOutput || cfg.Logging.JSON,
			Output:     os.Stderr,
		})
	}
	if cmd.Flags().Changed("api-addr") {
		cfg.API.Addr, _ = cmd.Flags().GetString("api-addr")
	}
	if cmd.Flags().Changed("grpc-addr") {
		cfg.API.GRPCAddr, _ = cmd.Flags().GetString("grpc-addr")
	}

	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	reg, err := registry.Open(registry.Config{
		Driver: cfg.Registry.Driver,
		Path:   cfg.Registry.Path,
		DSN:    cfg.Registry.DSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()
	metrics.RegisterComponent("registry", true, cfg.Registry.Driver)
	logger.Info().Str("driver", cfg.Registry.Driver).Msg("Registry opened")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := ec2.New(ctx, ec2.Options{
		Region:    cfg.AWS.Region,
		RateLimit: cfg.AWS.APIRateLimit,
	})
	if err != nil {
		metrics.RegisterComponent("cloud", false, err.Error())
		return fmt.Errorf("failed to create cloud provider: %w", err)
	}
	metrics.RegisterComponent("cloud", true, cfg.AWS.Region)

	connector, err := remote.NewSSHConnector(remote.SSHConfig{
		User:           cfg.SSH.User,
		KeyPath:        cfg.SSH.KeyPath,
		Port:           cfg.SSH.Port,
		Bastion:        cfg.SSH.Bastion,
		BastionUser:    cfg.SSH.BastionUser,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ssh connector: %w", err)
	}

	exec := retry.NewExecutor(
		retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, Delay: cfg.Retry.Delay},
		retry.WithClassifier(cloud.Classifier(cfg.Retry.RetryMalformedResponses)),
	)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if sink, err := startEventSink(cfg, broker); err != nil {
		logger.Warn().Err(err).Msg("Event forwarding disabled")
	} else if sink != nil {
		defer sink.Stop()
	}

	orch := lifecycle.New(cfg, lifecycle.Dependencies{
		Provider:  provider,
		Registry:  reg,
		Connector: connector,
		Executor:  exec,
		Broker:    broker,
	})

	pool := worker.NewPool(orch, cfg.Worker.PoolSize)

	collector := metrics.NewCollector(reg, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	var recon *reconciler.Reconciler
	if cfg.Reconciler.Enabled {
		recon = reconciler.NewReconciler(reg, pool, cfg.Reconciler.Interval)
		recon.Start()
		logger.Info().Dur("interval", cfg.Reconciler.Interval).Msg("Reconciler started")
	}

	server := api.NewServer(pool, reg)
	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	if cfg.API.GRPCAddr != "" {
		go func() {
			if err := server.StartGRPC(cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("api", cfg.API.Addr).
		Str("grpc", cfg.API.GRPCAddr).
		Int64("pool_size", pool.Size()).
		Msg("Spawner is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Server failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if recon != nil {
		recon.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	// In-flight lifecycle operations get the rest of the grace period
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Abandoned in-flight operations")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func startEventSink(cfg *config.Config, broker *events.Broker) (*events.NATSSink, error) {
	if cfg.Events.NATSURL == "" {
		return nil, nil
	}
	conn, err := events.ConnectNATS(cfg.Events.NATSURL)
	if err != nil {
		return nil, err
	}
	sink := events.NewNATSSink(broker, conn, cfg.Events.SubjectPrefix)
	sink.Start()
	return sink, nil
}
