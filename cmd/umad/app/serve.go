// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/umad/pkg/audit"
	"github.com/stacklok/umad/pkg/authn"
	"github.com/stacklok/umad/pkg/authz"
	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/config"
	"github.com/stacklok/umad/pkg/grant"
	"github.com/stacklok/umad/pkg/keys"
	"github.com/stacklok/umad/pkg/logger"
	"github.com/stacklok/umad/pkg/resources"
	"github.com/stacklok/umad/pkg/server"
	"github.com/stacklok/umad/pkg/storage"
	"github.com/stacklok/umad/pkg/tickets"
	"github.com/stacklok/umad/pkg/tokens"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long:  `Start the authorization server and serve the token, permission, introspection and JWKS endpoints until interrupted.`,
		RunE:  runServe,
	}

	cmd.Flags().String("listen-addr", "", "HTTP listen address (overrides the config file)")
	cmd.Flags().String("issuer", "", "Issuer identifier (overrides the config file)")
	if err := viper.BindPFlag("listen_addr", cmd.Flags().Lookup("listen-addr")); err != nil {
		logger.Fatalf("Error binding listen-addr flag: %v", err)
	}
	if err := viper.BindPFlag("issuer", cmd.Flags().Lookup("issuer")); err != nil {
		logger.Fatalf("Error binding issuer flag: %v", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	if cfg.Debug {
		viper.Set("debug", true)
	}
	logger.Initialize()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	if err := seedStore(ctx, store, cfg.Seed); err != nil {
		return err
	}

	keyProvider, err := buildKeyProvider(cfg.Keys)
	if err != nil {
		return err
	}

	gate, err := buildGate(cfg.Authorizer)
	if err != nil {
		return err
	}

	publisher := buildPublisher(cfg.Audit)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warnf("Error closing audit publisher: %v", err)
		}
	}()

	authenticator := authn.NewAuthenticator(store)
	manager := tickets.NewManager(store, store, cfg.TicketLifetime)
	minter := tokens.NewMinter(keyProvider, cfg.RPTLifetime)
	evaluator := tokens.NewEvaluator(store)
	engine := grant.NewEngine(authenticator, manager, gate, minter, store, cfg.Issuer).
		WithPublisher(publisher)

	handler := server.NewHandler(engine, authenticator, evaluator, keyProvider, cfg.Issuer)
	return server.NewServer(cfg.ListenAddr, handler).Start(ctx)
}

// buildKeyProvider creates the signing key provider: file-backed when a
// signing key is configured, otherwise an ephemeral generated key.
func buildKeyProvider(cfg config.KeysConfig) (keys.Provider, error) {
	if cfg.SigningKeyFile == "" {
		return keys.NewGeneratingProvider(keys.DefaultAlgorithm), nil
	}

	provider, err := keys.NewFileProvider(keys.Config{
		SigningKeyFile:   cfg.SigningKeyFile,
		FallbackKeyFiles: cfg.FallbackKeyFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	return provider, nil
}

// defaultGateConfig denies everything: no policies means no ticket line
// has a covering policy.
const defaultGateConfig = `{"version": "v1", "type": "claimsv1", "claims": {"policies": []}}`

// buildGate creates the authorization gate from its JSON configuration
// file, or a deny-all claims gate when none is configured.
func buildGate(cfg config.AuthorizerConfig) (authz.Gate, error) {
	raw := []byte(defaultGateConfig)
	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read authorizer config: %w", err)
		}
		raw = data
	} else {
		logger.Warn("No authorizer configured, all redemptions will be denied")
	}

	var gateConfig authz.Config
	if err := json.Unmarshal(raw, &gateConfig); err != nil {
		return nil, fmt.Errorf("failed to parse authorizer config: %w", err)
	}
	return gateConfig.CreateGate()
}

// buildPublisher creates the audit publisher: a bounded async publisher
// writing JSON audit records to stdout, or a no-op when disabled.
func buildPublisher(cfg config.AuditConfig) audit.Publisher {
	if !cfg.Enabled {
		return audit.NopPublisher{}
	}

	sink := audit.NewLoggerSink(audit.NewAuditLogger(os.Stdout))
	opts := []audit.AsyncPublisherOption{}
	if cfg.QueueSize > 0 {
		opts = append(opts, audit.WithQueueSize(cfg.QueueSize))
	}
	return audit.NewAsyncPublisher(sink, opts...)
}

// seedStore loads the pre-registered clients and resource sets from the
// configured seed files.
func seedStore(ctx context.Context, store storage.Store, cfg config.SeedConfig) error {
	if cfg.ClientsFile != "" {
		var seed []clients.Client
		if err := readJSONFile(cfg.ClientsFile, &seed); err != nil {
			return fmt.Errorf("failed to load clients seed: %w", err)
		}
		for i := range seed {
			if err := store.RegisterClient(ctx, &seed[i]); err != nil {
				return fmt.Errorf("failed to register client %s: %w", seed[i].ID, err)
			}
		}
		logger.Infof("Registered %d clients", len(seed))
	}

	if cfg.ResourceSetsFile != "" {
		var seed []resources.ResourceSet
		if err := readJSONFile(cfg.ResourceSetsFile, &seed); err != nil {
			return fmt.Errorf("failed to load resource sets seed: %w", err)
		}
		for i := range seed {
			if err := store.RegisterResourceSet(ctx, &seed[i]); err != nil {
				return fmt.Errorf("failed to register resource set %s: %w", seed[i].ID, err)
			}
		}
		logger.Infof("Registered %d resource sets", len(seed))
	}

	return nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path) // #nosec G304 - file path is provided by user via config
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
