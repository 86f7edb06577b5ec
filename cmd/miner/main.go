package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"miner-backend/internal/comfyui"
	"miner-backend/internal/config"
	"miner-backend/internal/dispatch"
	"miner-backend/internal/miner"
	"miner-backend/internal/uploader"
	"miner-backend/internal/workflow"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		port         = flag.Int("port", 0, "port of the ComfyUI service (overrides config value)")
		logLevel     = flag.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
		minerAddress = flag.String("erc20-address", "", "ERC20 address for mining (overrides config value)")
		workflows    = flag.String("workflows", "", "comma-separated list of workflow sets to support")
	)
	flag.Parse()

	// .env is optional; real environment variables still win.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg, err := config.Load(*configPath, config.Overrides{
		ComfyUIPort:   *port,
		MinerAddress:  *minerAddress,
		WorkflowNames: splitNames(*workflows),
		LogLevel:      *logLevel,
	})
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setupLogging(cfg.LogLevel)

	registry, err := workflow.LoadRegistry(cfg.WorkflowManifest)
	if err != nil {
		log.Fatalf("Failed to load workflow registry: %v", err)
	}
	supportedIds, err := registry.SupportedIds(cfg.WorkflowNames)
	if err != nil {
		log.Fatalf("Workflow validation failed: %v", err)
	}
	slog.Info("miner ready",
		"miner", cfg.MinerAddress,
		"workflow_sets", strings.Join(cfg.WorkflowNames, ","),
		"workflows", len(supportedIds))

	comfy := comfyui.NewClient(cfg.ComfyUIHost, cfg.ComfyUIPort, cfg.ComfyUIRoot)
	slog.Info("ComfyUI client configured", "host", cfg.ComfyUIHost, "port", cfg.ComfyUIPort)

	dispatcher := dispatch.NewClient(cfg.BaseUrl, cfg.MinerAddress, supportedIds)
	upload := uploader.New(cfg.MinerAddress, cfg.S3Bucket)
	coordinator := miner.NewCoordinator(cfg.MinerAddress, registry, comfy, upload, dispatcher)

	service := miner.NewService(comfy, dispatcher, coordinator, miner.Options{
		PollInterval:   cfg.PollInterval.Std(),
		HealthInterval: cfg.HealthInterval.Std(),
		StartupTimeout: cfg.StartupTimeout.Std(),
		MaxConcurrent:  cfg.MaxConcurrent,
	})

	if err := service.Run(context.Background()); err != nil {
		log.Fatalf("Mining service stopped: %v", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func splitNames(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
