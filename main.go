// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	envFile  = flag.String("env", ".env", "Environment file to load (ignored if missing)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Parley v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		runServe(dir)

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parley init <data-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func loadEnv() {
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Ignoring %s: %v", *envFile, err)
	}
}

func runServe(dirArg string) {
	loadEnv()

	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "parley.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create data directory: %v", err)
	}
	cfgPath := filepath.Join(absDir, "parley.json")
	_, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("%s already exists\n", cfgPath)
	}
}

func showUsage() {
	fmt.Println("Parley - realtime chat and call signaling server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley serve [directory]   Run the server from a data directory (default .)")
	fmt.Println("  parley init <directory>    Write a default parley.json")
	fmt.Println()
	fmt.Println("The data directory holds parley.json, the message store and the")
	fmt.Println("optional ice_servers.json override.")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PARLEY_ADDR        listen address (overrides server.http_addr)")
	fmt.Println("  PORT               port to bind on all interfaces")
	fmt.Println("  JWT_SECRET         token signing key")
	fmt.Println("  METERED_API_KEY    Metered TURN credentials key")
	fmt.Println("  PARLEY_LOG_LEVEL   debug, info, warn or error")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -env      Environment file to load (default .env)")
}
