package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ConorRoberts/ticket-marketplace-sub000/api"
	"github.com/ConorRoberts/ticket-marketplace-sub000/auth"
	"github.com/ConorRoberts/ticket-marketplace-sub000/config"
	"github.com/ConorRoberts/ticket-marketplace-sub000/handlers"
	"github.com/ConorRoberts/ticket-marketplace-sub000/metrics"
	"github.com/ConorRoberts/ticket-marketplace-sub000/pubsub"
	"github.com/ConorRoberts/ticket-marketplace-sub000/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagAddr   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&flagConfig, "config", "", "path to a relay.yaml (default: search ., ./config, /etc/relay)")
	flags.StringVar(&flagAddr, "addr", "", "http service address (overrides server.address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.Address = flagAddr
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.pubsub.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.server.Run(ctx)
	}()

	apiErr := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"address": cfg.Server.Address,
			"backend": cfg.Scaling.Backend,
		}).Infof("relay: listening")
		apiErr <- app.api.Run(cfg.Server.Address)
	}()

	select {
	case <-ctx.Done():
	case err = <-apiErr:
	case err = <-serverErr:
	}
	stop()

	logrus.Infof("relay: shutting down")
	app.server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := app.api.Shutdown(shutdownCtx); shutdownErr != nil {
		logrus.WithError(shutdownErr).Warnf("relay: http shutdown")
	}
	return err
}

// relayApp is the wired relay: its event loop, the HTTP surface in front of
// it and the pub/sub backend that fans messages out.
type relayApp struct {
	server relay.Server
	api    *api.API
	pubsub pubsub.PubSub
}

// newRelay builds the relay from cfg. The caller runs the server and closes
// the pub/sub backend.
func newRelay(ctx context.Context, cfg *config.Config) (*relayApp, error) {
	authenticator, err := auth.NewJWTAuthenticator(auth.Options{
		SecretKey:      cfg.Auth.SecretKey,
		PublicKeyPEM:   cfg.Auth.PublicKeyPEM,
		Issuer:         cfg.Auth.Issuer,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		Leeway:         cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("configure authenticator: %w", err)
	}

	var m *metrics.Metrics
	metricsPath := ""
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsPath = cfg.Metrics.Path
	}

	ps, err := pubsub.New(ctx, cfg.Scaling)
	if err != nil {
		return nil, fmt.Errorf("configure pubsub: %w", err)
	}

	server := relay.NewServer(relay.Options{
		PubSub:      ps,
		Metrics:     m,
		EventBuffer: cfg.Relay.EventBuffer,
	})

	h := &handlers.Handlers{
		Server:  server,
		Auth:    authenticator,
		Metrics: m,
		Peer: relay.PeerOptions{
			WriteWait:      cfg.Relay.WriteWait,
			PongWait:       cfg.Relay.PongWait,
			MaxMessageSize: cfg.Relay.MaxMessageSize,
			SendBuffer:     cfg.Relay.SendBuffer,
		},
		MaxPushBytes: cfg.Push.MaxBodyBytes,
	}

	// Pushes need the shared secret when one is configured; otherwise they
	// need an identity-provider token unless anonymous access is allowed.
	var pushVerifier auth.Authenticator
	if cfg.Push.Secret == "" && !cfg.Auth.AllowAnonymous {
		pushVerifier = authenticator
	}

	return &relayApp{
		server: server,
		pubsub: ps,
		api: api.NewAPI(h, m, api.Options{
			PushSecret:    cfg.Push.Secret,
			PushVerifier:  pushVerifier,
			PushRateLimit: cfg.Push.RateLimit,
			PushBurst:     cfg.Push.Burst,
			MetricsPath:   metricsPath,
			ReadTimeout:   cfg.Server.ReadTimeout,
			WriteTimeout:  cfg.Server.WriteTimeout,
			IdleTimeout:   cfg.Server.IdleTimeout,
		}),
	}, nil
}
