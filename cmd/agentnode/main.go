// Command agentnode runs one overlay node: it reads the env-var
// configuration surface, derives the node's identity, registers it with
// the on-chain agent registry, joins the overlay, and serves the local
// control API until a client calls Stop or the process receives
// SIGINT/SIGTERM.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o agentnode ./cmd/agentnode
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	args := os.Args[1:]
	cmd := "daemon"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "daemon", "start":
		runDaemon(args)
	case "whoami":
		runWhoami()
	case "version", "--version":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("agentnode %s (%s)\n", version, commit)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: agentnode [command] [options]")
	fmt.Println()
	fmt.Println("  daemon    Start the overlay node in the foreground (default)")
	fmt.Println("  whoami    Print the account address derived from PRIVATE_KEY")
	fmt.Println("  version   Print version information")
	fmt.Println()
	fmt.Println("Configuration is read from the environment: PRIVATE_KEY,")
	fmt.Println("REGISTRY_ADDRESS, RPC_URL, NETWORK, NODE_TYPE, PORT / P2P_PORT,")
	fmt.Println("AGENT_NAME / BOOTSTRAP_NAME, USE_ENCRYPTION, BOOTSTRAP_PRIVATE_KEY.")
}
