package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shurlinet/agentmesh/internal/config"
	"github.com/shurlinet/agentmesh/internal/corelog"
	"github.com/shurlinet/agentmesh/internal/identity"
	"github.com/shurlinet/agentmesh/internal/node"
	"github.com/shurlinet/agentmesh/internal/registry"
)

func defaultRuntimeDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(dir, "agentmesh")
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	socketFlag := fs.String("socket", "", "control API socket path (default <config-dir>/agentmesh/agentnode.sock)")
	bootstrapFlag := fs.String("bootstrap-registry", "", "YAML bootstrap registry overriding the compiled-in table")
	metricsFlag := fs.String("metrics-listen", "", "address for /metrics and /healthz (empty disables)")
	logJSON := fs.Bool("log-json", false, "log JSON lines instead of text")
	logDebug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	level := slog.LevelInfo
	if *logDebug {
		level = slog.LevelDebug
	}
	var log corelog.Logger
	if *logJSON {
		log = corelog.NewJSONLogger(level)
	} else {
		log = corelog.NewTextLogger(level)
	}

	env := config.LoadEnv()
	if env.PrivateKey == "" {
		fatal("PRIVATE_KEY is required")
	}
	if env.Network == "" {
		env.Network = "base"
	}

	id, err := identity.NewFromHex(env.PrivateKey)
	if err != nil {
		fatal("Invalid PRIVATE_KEY: %v", err)
	}

	breg := config.DefaultRegistry()
	if *bootstrapFlag != "" {
		breg, err = config.LoadBootstrapRegistry(*bootstrapFlag)
		if err != nil {
			fatal("Failed to load bootstrap registry: %v", err)
		}
	}

	role := config.ParseRole(env.NodeType)
	if breg.IsBootstrapName(env.AgentName) {
		role = config.RoleBootstrap
	}
	policy := config.PolicyForRole(role)

	// A bootstrap node dials the other bootstraps; everyone else dials all
	// of them. Self-exclusion is by configured name here and
	// by pinned peer id again at dial time.
	selfName := ""
	announceHostname := ""
	if role == config.RoleBootstrap {
		selfName = env.AgentName
		if entry, ok := breg.FindByName(env.AgentName); ok {
			announceHostname = entry.Hostname
		}
	}
	bootstrapAddrs, err := breg.Multiaddrs(env.Network, selfName)
	if err != nil {
		fatal("Invalid bootstrap registry for network %q: %v", env.Network, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := buildRegistryClient(ctx, env, id, log)
	if err != nil {
		fatal("Registry client: %v", err)
	}

	if err := registerSelf(ctx, reg, env.AgentName, id); err != nil {
		fatal("Registration failed: %v", err)
	}

	runtimeDir := defaultRuntimeDir()
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		fatal("Cannot create runtime directory %s: %v", runtimeDir, err)
	}
	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = filepath.Join(runtimeDir, "agentnode.sock")
	}
	cookiePath := filepath.Join(runtimeDir, ".agentnode-cookie")

	n := node.New(node.Config{
		Identity:         id,
		Role:             role,
		Policy:           policy,
		DisplayName:      env.AgentName,
		Registry:         reg,
		Port:             env.ListenPort(),
		PinnedSecretHex:  env.BootstrapPrivateKey,
		AnnounceHostname: announceHostname,
		BootstrapAddrs:   bootstrapAddrs,
		UseEncryption:    env.UseEncryption,
		SocketPath:       socketPath,
		CookiePath:       cookiePath,
		MetricsListen:    *metricsFlag,
		Version:          version,
		Logger:           log,
	})

	if err := n.Start(ctx); err != nil {
		fatal("Failed to start: %v", err)
	}

	fmt.Printf("agentnode %s (%s)\n", version, commit)
	fmt.Printf("  address: %s\n", id.AddressHex())
	fmt.Printf("  role:    %s\n", role)
	fmt.Printf("  socket:  %s\n", socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("signal received, shutting down", "signal", sig.String())
	case <-n.ShutdownCh():
		log.Info("stop requested via control api")
	}

	if err := n.Stop(); err != nil {
		log.Error("shutdown error", "error", err)
	}
	osExit(0)
}

// buildRegistryClient returns the on-chain client when RPC_URL and
// REGISTRY_ADDRESS are configured, or an in-memory stub pre-seeded with
// this node's own record for registry-less development runs.
func buildRegistryClient(ctx context.Context, env config.Env, id *identity.Identity, log corelog.Logger) (registry.Client, error) {
	if env.RPCURL == "" || env.RegistryAddress == "" {
		log.Warn("RPC_URL/REGISTRY_ADDRESS not set, using in-memory stub registry")
		stub := registry.NewStubClient()
		stub.Seed(id.AddressHex(), registry.AgentRecord{
			Name:     env.AgentName,
			Metadata: mustMetadataJSON(id),
			IsActive: true,
		})
		return stub, nil
	}
	signer, err := registry.NewSigner(ctx, env.RPCURL, env.PrivateKey)
	if err != nil {
		return nil, err
	}
	return registry.NewEthClient(env.RPCURL, env.RegistryAddress, signer, log)
}

// registerSelf performs the write-once startup registration,
// skipping the transaction when the address is already registered.
func registerSelf(ctx context.Context, reg registry.Client, name string, id *identity.Identity) error {
	rctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()
	registered, err := reg.IsRegistered(rctx, id.AddressHex())
	if err != nil {
		return err
	}
	if registered {
		return nil
	}
	return reg.RegisterSelf(rctx, name, mustMetadataJSON(id))
}

// mustMetadataJSON builds the registry metadata blob carrying this node's
// encryption public key.
func mustMetadataJSON(id *identity.Identity) string {
	b, err := json.Marshal(map[string]string{"publicKey": id.EncryptionPublicKeyHex()})
	if err != nil {
		// A map[string]string never fails to marshal.
		panic(err)
	}
	return string(b)
}

func runWhoami() {
	env := config.LoadEnv()
	if env.PrivateKey == "" {
		fatal("PRIVATE_KEY is required")
	}
	id, err := identity.NewFromHex(env.PrivateKey)
	if err != nil {
		fatal("Invalid PRIVATE_KEY: %v", err)
	}
	fmt.Printf("address:    %s\n", id.AddressHex())
	fmt.Printf("public key: %s\n", id.EncryptionPublicKeyHex())
	if env.BootstrapPrivateKey != "" {
		fmt.Println("pinned overlay keypair: configured")
	}
}
