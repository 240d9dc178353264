package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fystack/orion/internal/node/identity"
	"github.com/fystack/orion/internal/node/partystore"
	"github.com/fystack/orion/pkg/api"
	"github.com/fystack/orion/pkg/common/errors"
	"github.com/fystack/orion/pkg/config"
	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/messaging"
	"github.com/fystack/orion/pkg/network"
	"github.com/fystack/orion/pkg/node"
	"github.com/fystack/orion/pkg/transport"
	"github.com/fystack/orion/pkg/trust"
)

const shutdownTimeout = 15 * time.Second

// NewStartCmd creates a new start command
func NewStartCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "start",
		Short: "Start an Orion node",
		Long:  "Start an Orion node with the specified configuration",
		RunE:  runNode,
	}

	cmd.Flags().StringP("name", "n", "orion", "Node name, used in backup file names")
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().BoolP("prompt-credentials", "p", false, "Prompt for sensitive parameters")
	cmd.Flags().StringP("password-file", "f", "", "Path to file containing BadgerDB password")
	cmd.Flags().Bool("debug", false, "Enable debug logging")

	return cmd
}

func runNode(cmd *cobra.Command, args []string) error {
	nodeName, _ := cmd.Flags().GetString("name")
	configPath, _ := cmd.Flags().GetString("config")
	usePrompts, _ := cmd.Flags().GetBool("prompt-credentials")
	passwordFile, _ := cmd.Flags().GetString("password-file")
	debug, _ := cmd.Flags().GetBool("debug")

	if configPath != "" {
		config.SetEnvConfigPath(configPath)
	}
	appConfig, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger.Init(appConfig.Environment, debug || appConfig.Debug)

	if passwordFile != "" {
		if err := loadPasswordFromFile(appConfig, passwordFile); err != nil {
			return errors.Wrap(err, "failed to load password from file")
		}
	}
	if usePrompts {
		if err := promptForSensitiveCredentials(appConfig); err != nil {
			return err
		}
	}
	if err := checkRequiredConfigValues(appConfig); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := identity.LoadKeyPairs(identity.LoadOptions{
		PublicKeys:    resolveAll(appConfig, appConfig.PublicKeys),
		PrivateKeys:   resolveAll(appConfig, appConfig.PrivateKeys),
		PasswordsFile: appConfig.ResolvePath(appConfig.Passwords),
		Prompt:        identity.TerminalPassphrase,
	})
	if err != nil {
		return errors.Wrap(err, "load keys")
	}
	alwaysSendTo, err := identity.ResolvePublicKeys(appConfig.WorkDir, appConfig.AlwaysSendTo)
	if err != nil {
		return errors.Wrap(err, "always_send_to")
	}

	store, err := openStore(nodeName, appConfig)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer store.Close()

	if badgerStore, ok := badgerBackend(store); ok && appConfig.BackupEnabled {
		stopBackup := StartPeriodicBackup(ctx, badgerStore, appConfig.BackupPeriodSeconds)
		defer stopBackup()
	}

	consulClient, err := connectConsul(appConfig)
	if err != nil {
		return errors.Wrap(err, "connect consul")
	}

	var (
		httpClient = &http.Client{}
		serverTLS  *tls.Config
		pinClients = func(h http.Handler) http.Handler { return h }
	)
	if appConfig.TLS.Mode == config.TLSModeOff {
		logger.Warn("Node-to-node TLS is off; use only in development")
	} else {
		nt, err := setupTLS(appConfig, consulClient)
		if err != nil {
			return err
		}
		httpClient = transport.NewTLSHTTPClient(nt.clientStore, &nt.clientCert)
		serverTLS = nt.serverConfig()
		pinClients = trust.PinClients(nt.serverStore)
	}

	local := make([]encryption.PublicKey, 0, len(keys))
	for _, kp := range keys {
		local = append(local, kp.Public)
	}
	dir := network.NewDirectory(appConfig.NodeURL, local, appConfig.OtherNodes)

	pushClient := transport.NewClient(transport.Options{
		HTTPClient:  httpClient,
		Attempts:    uint(appConfig.Propagation.Attempts),
		Concurrency: appConfig.Propagation.Concurrency,
	})

	orion, err := node.New(node.Options{
		Keys:               keys,
		AlwaysSendTo:       alwaysSendTo,
		Store:              store,
		Resolver:           dir,
		Pusher:             pushClient,
		Mode:               node.PropagationMode(appConfig.Propagation.Mode),
		PropagationTimeout: appConfig.Propagation.Timeout,
	})
	if err != nil {
		return err
	}
	defer orion.Close()

	natsConn, err := setupAuditEvents(ctx, appConfig, orion)
	if err != nil {
		return err
	}
	if natsConn != nil {
		defer func() {
			if err := natsConn.Drain(); err != nil {
				logger.Error("Failed to drain NATS connection", err)
			}
		}()
	}

	nodeServer := api.NewServer("node", appConfig.NodeAddr, pinClients(api.NewNodeRouter(orion, dir)), serverTLS)
	clientServer := api.NewServer("client", appConfig.ClientAddr, api.NewClientRouter(orion), nil)

	errChan := make(chan error, 2)
	go func() { errChan <- nodeServer.ListenAndServe() }()
	go func() { errChan <- clientServer.ListenAndServe() }()

	if appConfig.Discovery.Enabled {
		opts := network.DiscoveryOptions{
			Interval:    appConfig.Discovery.Interval,
			Concurrency: appConfig.Propagation.Concurrency,
		}
		if appConfig.Discovery.Registry == config.RegistryConsul {
			opts.Registry = partystore.NewConsulRegistry(consulClient.KV(), appConfig.Consul.KeyPrefix)
		}
		go network.NewDiscovery(dir, pushClient, opts).Run(ctx)
	}

	logger.Info("[READY] Node is ready",
		"name", nodeName,
		"node_url", appConfig.NodeURL,
		"client_url", appConfig.ClientURL,
		"public_keys", len(local),
		"default_key", orion.DefaultKey().String(),
		"propagation", appConfig.Propagation.Mode,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Warn("Shutdown signal received, stopping node...")
	case runErr = <-errChan:
		if runErr != nil {
			logger.Error("Server stopped unexpectedly", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*api.Server{nodeServer, clientServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down server", err)
		}
	}
	return runErr
}

func resolveAll(cfg *config.Config, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, cfg.ResolvePath(p))
	}
	return out
}

// setupAuditEvents publishes propagation reports when nats is configured.
func setupAuditEvents(ctx context.Context, cfg *config.Config, n *node.Node) (*nats.Conn, error) {
	if cfg.NATs == nil || cfg.NATs.URL == "" {
		return nil, nil
	}
	natsConn, err := messaging.GetNATSConnection(cfg.Environment, cfg.NATs)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	pub, err := messaging.NewJetStreamPublisher(ctx, messaging.StreamName, []string{cfg.NATs.Subject + ".*"}, natsConn)
	if err != nil {
		natsConn.Close()
		return nil, err
	}
	n.AddObserver(messaging.NewPropagationNotifier(pub, cfg.NATs.Subject))
	return natsConn, nil
}
