package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"csrmesh-node/internal/action"
	"csrmesh-node/internal/mesh"
	"csrmesh-node/internal/node"
	"csrmesh-node/internal/store"
	"csrmesh-node/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Mesh struct {
		NetworkID  uint8  `yaml:"network_id"`
		DeviceID   uint16 `yaml:"device_id"`
		DefaultTTL uint8  `yaml:"default_ttl"`
		MaxActions int    `yaml:"max_actions"`
	} `yaml:"mesh"`
	Gateway struct {
		Type string `yaml:"type"` // "serial" or "mqtt"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"gateway"`
	Time struct {
		// BroadcastInterval is the initial master cadence in seconds; 0
		// disables periodic broadcasts.
		BroadcastInterval *int `yaml:"broadcast_interval"`
	} `yaml:"time"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Mesh.DeviceID == mesh.BroadcastID {
		return fmt.Errorf("mesh.device_id must not be the broadcast address 0x%04X", mesh.BroadcastID)
	}
	if c.Mesh.MaxActions < 1 || c.Mesh.MaxActions > action.MaxActionID {
		return fmt.Errorf("mesh.max_actions must be 1-%d, got %d", action.MaxActionID, c.Mesh.MaxActions)
	}
	if iv := c.Time.BroadcastInterval; iv != nil && (*iv < 0 || *iv > 0xFFFF) {
		return fmt.Errorf("time.broadcast_interval must be 0-65535, got %d", *iv)
	}
	switch c.Gateway.Type {
	case "serial":
		if c.Gateway.Port == "" {
			return fmt.Errorf("gateway.port is required for the serial gateway")
		}
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required for the mqtt gateway")
		}
	default:
		return fmt.Errorf("unknown gateway.type %q (supported: serial, mqtt)", c.Gateway.Type)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is set")
	}
	return nil
}

// nodeName identifies this node to outer systems.
func (c *Config) nodeName() string {
	return fmt.Sprintf("csrmesh_%02x_%04x", c.Mesh.NetworkID, c.Mesh.DeviceID)
}

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("csrmesh-node starting", "version", version, "node", cfg.nodeName())

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	gw, err := openGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	nodeCfg := node.Config{
		NetworkID:  cfg.Mesh.NetworkID,
		DeviceID:   cfg.Mesh.DeviceID,
		DefaultTTL: cfg.Mesh.DefaultTTL,
		MaxActions: cfg.Mesh.MaxActions,
	}
	if cfg.Time.BroadcastInterval != nil {
		nodeCfg.BroadcastInterval = uint16(*cfg.Time.BroadcastInterval)
	}
	n, err := node.New(nodeCfg, gw, db, node.NewEventBus(logger), logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = n.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Stop()

	// No-ops when built with no_automation / no_mqtt.
	auto, autoWebOpts := initAutomation(n, cfg, logger)
	defer auto.Stop()
	bridge := initMQTT(n, cfg, logger)
	defer bridge.Stop()

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(n, logger, append(webOpts, autoWebOpts...)...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-httpErr:
		logger.Error("http server", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return nil
}

func openGateway(cfg *Config, logger *slog.Logger) (mesh.Transport, error) {
	switch cfg.Gateway.Type {
	case "serial":
		logger.Info("using serial mesh gateway", "port", cfg.Gateway.Port, "baud", cfg.Gateway.Baud)
		return mesh.OpenSerialGateway(cfg.Gateway.Port, cfg.Gateway.Baud, cfg.Mesh.DeviceID, logger)
	case "mqtt":
		logger.Info("using MQTT mesh gateway", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
		return openMQTTGateway(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown gateway type: %q", cfg.Gateway.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mesh.DefaultTTL == 0 {
		cfg.Mesh.DefaultTTL = 50
	}
	if cfg.Mesh.MaxActions == 0 {
		cfg.Mesh.MaxActions = 16
	}
	if cfg.Gateway.Type == "" {
		cfg.Gateway.Type = "serial"
	}
	if cfg.Gateway.Baud == 0 {
		cfg.Gateway.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "csrmesh-node.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "csrmesh"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.nodeName()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
