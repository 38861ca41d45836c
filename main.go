package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// DebugMode controls whether debug logging is enabled
var DebugMode bool

// CycleTrace additionally logs every cycle and every rendered frame
var CycleTrace bool

// newFlagSet declares the command line. Flags only override the config file
// when they were given explicitly.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("weathermap", pflag.ContinueOnError)
	fs.String("config", "config.yaml", "Path to configuration file")
	fs.Float64("fmin", 8, "Lower edge of the frequency band in Hz")
	fs.Float64("fmax", 13, "Upper edge of the frequency band in Hz")
	fs.Float64("winsize", 5, "Window duration in seconds")
	fs.IntP("sources", "n", 1, "Number of sources to discover and run")
	fs.CountP("verbose", "v", "Increase verbosity (-v debug, -vv per-cycle trace)")
	fs.Bool("debug", false, "Enable debug logging")
	return fs
}

// applyFlags copies explicitly set flags into config
func applyFlags(config *Config, fs *pflag.FlagSet) error {
	if fs.Changed("fmin") {
		v, err := fs.GetFloat64("fmin")
		if err != nil {
			return err
		}
		config.Feedback.Band.Low = v
	}
	if fs.Changed("fmax") {
		v, err := fs.GetFloat64("fmax")
		if err != nil {
			return err
		}
		config.Feedback.Band.High = v
	}
	if fs.Changed("winsize") {
		v, err := fs.GetFloat64("winsize")
		if err != nil {
			return err
		}
		config.Feedback.WinSize = v
	}
	if fs.Changed("sources") {
		v, err := fs.GetInt("sources")
		if err != nil {
			return err
		}
		config.Feedback.Sources = v
	}
	return nil
}

// loadConfiguration reads path. A missing file falls back to the built-in
// defaults unless it was requested explicitly.
func loadConfiguration(path string, explicit bool) (*Config, error) {
	config, err := LoadConfig(path)
	if err == nil {
		return config, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		log.Printf("No configuration file %s, using defaults", path)
		return DefaultConfig(), nil
	}
	return nil, err
}

func main() {
	fs := newFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	verbosity, _ := fs.GetCount("verbose")
	debug, _ := fs.GetBool("debug")
	DebugMode = debug || verbosity >= 1
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		// Environment variable takes precedence
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	CycleTrace = DebugMode && verbosity >= 2
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	configPath, _ := fs.GetString("config")
	config, err := loadConfiguration(configPath, fs.Changed("config"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := applyFlags(config, fs); err != nil {
		log.Fatalf("Invalid command line: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
}

// run discovers the sources, starts one pipeline per source and serves
// until ctx is cancelled or every pipeline has terminated
func run(ctx context.Context, config *Config) error {
	log.Printf("weathermap %s: band %v, window %.2fs, %d source(s)",
		Version, config.Feedback.Band, config.Feedback.WinSize, config.Feedback.Sources)

	metrics := NewPrometheusMetrics(nil)
	metrics.StartResourceMetricsWorker(ctx, 15*time.Second)
	metrics.StartPushgatewayWorker(ctx, config)

	discoverer, err := NewDiscoverer(config)
	if err != nil {
		return err
	}
	sources, err := discoverer.Discover(ctx, config.Feedback.Sources)
	if err != nil {
		return err
	}

	outs, err := newOutputs(ctx, config, metrics)
	if err != nil {
		return err
	}
	defer outs.Close()

	supervisor := NewPipelineSupervisor(settingsFromConfig(config.Feedback), newAcquisitionFactory(ctx, config, metrics), outs.registry.Create, metrics)
	handles, err := supervisor.Start(ctx, sources)
	if err != nil {
		return err
	}

	var server *http.Server
	if config.Server.Listen != "" {
		server = &http.Server{
			Addr:    config.Server.Listen,
			Handler: newHTTPHandler(ctx, config, supervisor, outs, metrics),
		}
		go func() {
			log.Printf("HTTP server listening on %s", config.Server.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("ERROR: HTTP server: %v", err)
			}
		}()
	}

	allDone := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.Done()
		}
		close(allDone)
	}()

	var result error
	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case <-allDone:
		result = errors.New("every pipeline has terminated")
	}

	supervisor.StopAll(handles)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error closing server: %v", err)
		}
	}
	return result
}

// outputs holds the renderer backends shared by all pipelines
type outputs struct {
	registry *RendererRegistry
	hub      *PowerHub
	mqtt     *MQTTPublisher
	powerLog *PowerLog
}

func newOutputs(ctx context.Context, config *Config, metrics *PrometheusMetrics) (*outputs, error) {
	o := &outputs{registry: NewRendererRegistry()}

	if config.WebSocket.Enabled {
		o.hub = NewPowerHub(&config.WebSocket, metrics)
		o.registry.Register("websocket", func(source SourceInfo) (Renderer, error) {
			return o.hub.RendererFor(source), nil
		})
	}

	if config.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&config.MQTT, metrics)
		if err != nil {
			log.Printf("ERROR: Failed to start MQTT publisher: %v", err)
		} else {
			o.mqtt = publisher
			publisher.StartPublisher(ctx)
			o.registry.Register("mqtt", func(source SourceInfo) (Renderer, error) {
				return publisher.RendererFor(source), nil
			})
		}
	}

	if config.PowerLog.Enabled {
		powerLog, err := NewPowerLog(config.PowerLog.DataDir)
		if err != nil {
			return nil, &ConfigurationError{Field: "power_log.data_dir", Reason: config.PowerLog.DataDir, Err: err}
		}
		o.powerLog = powerLog
		o.registry.Register("power_log", func(source SourceInfo) (Renderer, error) {
			return powerLog.RendererFor(source), nil
		})
	}

	if CycleTrace {
		o.registry.Register("log", func(source SourceInfo) (Renderer, error) {
			return &logRenderer{source: source.Name}, nil
		})
	}

	if len(o.registry.List()) == 0 {
		log.Printf("Warning: no renderer enabled, band power is only visible through metrics and the API")
	}
	return o, nil
}

func (o *outputs) Close() {
	if o.mqtt != nil {
		o.mqtt.Disconnect()
	}
	if o.powerLog != nil {
		if err := o.powerLog.Close(); err != nil {
			log.Printf("Warning: closing power log: %v", err)
		}
	}
}

// newAcquisitionFactory opens sources according to acquisition.mode
func newAcquisitionFactory(ctx context.Context, config *Config, metrics *PrometheusMetrics) AcquisitionFactory {
	winsize := config.Feedback.WindowDuration()
	timeout := config.Acquisition.Timeout()

	switch config.Acquisition.Mode {
	case "rtp":
		return func(source SourceInfo) (Acquisition, error) {
			iface, err := lookupInterface(config.Acquisition.Interface)
			if err != nil {
				return nil, &ConfigurationError{Field: "acquisition.interface", Reason: config.Acquisition.Interface, Err: err}
			}
			return NewRTPAcquisition(source, iface, winsize, timeout, metrics)
		}
	default:
		return func(source SourceInfo) (Acquisition, error) {
			h := fnv.New64a()
			h.Write([]byte(source.Name))
			sa := NewSyntheticAcquisition(source, config.Acquisition.Synthetic, winsize, timeout, h.Sum64())
			sa.Start(ctx)
			return sa, nil
		}
	}
}

func newHTTPHandler(ctx context.Context, config *Config, supervisor *PipelineSupervisor, o *outputs, metrics *PrometheusMetrics) http.Handler {
	mux := http.NewServeMux()

	limiter := NewIPRateLimiter(config.Server.RateLimit)
	limiter.StartCleanup(ctx, 5*time.Minute)

	pipelines := limiter.Limit(func(w http.ResponseWriter, r *http.Request) {
		handlePipelinesAPI(w, r, supervisor, config)
	})
	mux.HandleFunc("/api/pipelines", pipelines)
	mux.HandleFunc("/api/pipelines/", pipelines)
	mux.HandleFunc("/api/viewers", limiter.Limit(func(w http.ResponseWriter, r *http.Request) {
		handleViewersAPI(w, r, o.hub)
	}))

	if config.Prometheus.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{}))
		log.Println("Prometheus metrics endpoint enabled at /metrics")
	}
	if o.hub != nil {
		mux.HandleFunc("/ws", limiter.Limit(o.hub.HandleWebSocket))
		log.Println("WebSocket viewer endpoint enabled at /ws")
	}
	if config.MCP.Enabled {
		mcpServer := NewMCPServer(supervisor, o.powerLog, config)
		mux.HandleFunc("/mcp", mcpServer.HandleMCP)
		log.Println("MCP server enabled at /mcp")
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok %s\n", Version)
	})
	return mux
}
