package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/sindef/redis-sentinel/pkg/auth"
	"github.com/sindef/redis-sentinel/pkg/config"
	"github.com/sindef/redis-sentinel/pkg/events"
	"github.com/sindef/redis-sentinel/pkg/k8s"
	"github.com/sindef/redis-sentinel/pkg/metrics"
	"github.com/sindef/redis-sentinel/pkg/monitor"
	"github.com/sindef/redis-sentinel/pkg/peer"
	"github.com/sindef/redis-sentinel/pkg/store"
)

var (
	version = "dev"
)

func main() {
	klog.InitFlags(nil)

	// Parse flags
	cfg := config.Default()
	var configFile string
	var redisPassword string

	flag.StringVar(&configFile, "config", "", "YAML file listing the primaries to monitor")
	flag.StringVar(&cfg.ListenAddr, "listen", config.DefaultListenAddr, "Address for the peer and operator HTTP API")
	flag.StringVar(&cfg.AnnounceIP, "announce-ip", os.Getenv("POD_IP"), "Address other monitors use to reach this one")
	flag.IntVar(&cfg.AnnouncePort, "announce-port", 0, "Port other monitors use to reach this one (defaults to the listen port)")
	flag.StringVar(&cfg.MyID, "myid", "", "Monitor id (generated and persisted if empty)")
	flag.StringVar(&cfg.DataDir, "data-dir", "", "Directory for persisted state (in memory if empty)")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", config.DefaultTickInterval, "Interval between monitor ticks")
	flag.DurationVar(&cfg.CommandTimeout, "command-timeout", config.DefaultCommandTimeout, "Timeout for Redis and peer calls")

	// Redis flags
	flag.StringVar(&redisPassword, "redis-password", "", "Password for primaries without auth-pass (or use REDIS_PASSWORD env)")
	flag.BoolVar(&cfg.RedisTLS, "redis-tls", false, "Use TLS for Redis connections")
	flag.BoolVar(&cfg.RedisTLSSkipVerify, "redis-tls-skip-verify", false, "Skip TLS certificate verification (use --redis-tls-skip-verify=true)")

	// Kubernetes flags
	flag.BoolVar(&cfg.KubeLabels, "kube-labels", false, "Label the current primary pod redis-role=master")
	flag.StringVar(&cfg.Namespace, "namespace", os.Getenv("POD_NAMESPACE"), "Namespace (from downward API)")
	flag.StringVar(&cfg.LabelSelector, "label-selector", "app=redis", "Label selector to find Redis pods")

	// Authentication flags
	flag.StringVar(&cfg.SharedSecret, "shared-secret", os.Getenv("SHARED_SECRET"), "Shared secret for peer authentication")

	// Logging flags
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging (use --debug=true)")
	flag.Parse()

	if cfg.Debug {
		_ = flag.Set("v", "4")
	}

	// Override password from env if set
	if envPass := os.Getenv("REDIS_PASSWORD"); envPass != "" && redisPassword == "" {
		redisPassword = envPass
	}

	if configFile != "" {
		if err := config.LoadFile(configFile, cfg); err != nil {
			klog.Fatalf("Failed to load config: %v", err)
		}
	}
	for i := range cfg.Primaries {
		if cfg.Primaries[i].AuthPass == "" {
			cfg.Primaries[i].AuthPass = redisPassword
		}
	}

	if cfg.AnnouncePort == 0 {
		_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			klog.Fatalf("Invalid listen address %q: %v", cfg.ListenAddr, err)
		}
		cfg.AnnouncePort, _ = strconv.Atoi(portStr)
	}
	if cfg.AnnounceIP == "" {
		hostname, err := os.Hostname()
		if err != nil {
			klog.Fatalf("No --announce-ip and hostname lookup failed: %v", err)
		}
		cfg.AnnounceIP = hostname
	}

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.SharedSecret == "" {
		klog.Warning("No shared secret configured - peer authentication disabled (not recommended for production)")
	}

	klog.InfoS("Starting Redis Sentinel",
		"version", version,
		"listen", cfg.ListenAddr,
		"announce", net.JoinHostPort(cfg.AnnounceIP, strconv.Itoa(cfg.AnnouncePort)),
		"primaries", len(cfg.Primaries))

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		klog.Fatalf("Sentinel error: %v", err)
	}

	klog.Info("Shutdown complete")
}

// run wires the store, events, labeler, monitor and peer server and blocks
// until ctx is done. The store is closed on every return path.
func run(ctx context.Context, cfg *config.Config) error {
	st := store.NewInmem()
	if cfg.DataDir != "" {
		var err error
		st, err = store.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
	}
	defer func() {
		if err := st.Close(); err != nil {
			klog.ErrorS(err, "Failed to close state store")
		}
	}()

	reg := metrics.NewRegistry()
	bus := events.NewBus(reg)

	var labeler *k8s.Labeler
	if cfg.KubeLabels {
		kubeConfig, err := rest.InClusterConfig()
		if err != nil {
			return fmt.Errorf("failed to create in-cluster config: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(kubeConfig)
		if err != nil {
			return fmt.Errorf("failed to create Kubernetes client: %w", err)
		}
		labeler = k8s.NewLabeler(clientset, cfg.Namespace, cfg.LabelSelector)
		bus.Subscribe(labeler)
	}

	authenticator := auth.New(cfg.SharedSecret)
	mon, err := monitor.New(cfg, newDialer(cfg, authenticator),
		monitor.WithStore(st),
		monitor.WithEvents(bus),
		monitor.WithMetrics(reg),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	server := peer.NewServer(cfg.ListenAddr, mon, authenticator, reg.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	if labeler != nil {
		g.Go(func() error { return labeler.Run(ctx) })
	}
	return g.Wait()
}
