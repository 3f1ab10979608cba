// Command lightsync keeps light channels in sync across push-buttons, the web
// interface and message-bus commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/lightsync/internal/button"
	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/config"
	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/gpio"
	"github.com/sweeney/lightsync/internal/live"
	"github.com/sweeney/lightsync/internal/logging"
	"github.com/sweeney/lightsync/internal/metrics"
	"github.com/sweeney/lightsync/internal/mqtt"
	"github.com/sweeney/lightsync/internal/natsbus"
	"github.com/sweeney/lightsync/internal/status"
	"github.com/sweeney/lightsync/internal/telemetry"
	"github.com/sweeney/lightsync/internal/web"
)

var cli struct {
	Config  string `short:"c" help:"Configuration file path" default:"/etc/lightsync/config.yaml" type:"path"`
	EnvFile string `help:"Env file loaded before LIGHTSYNC_* overrides" type:"path"`

	Run         struct{} `cmd:"" default:"1" help:"Run the daemon"`
	PrintState  struct{} `cmd:"" help:"Read every input pin once and print its raw level"`
	CheckConfig struct{} `cmd:"" help:"Validate the configuration and print the channel table"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("lightsync"),
		kong.Description("Synchronise light channels across buttons, HTTP and MQTT."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config, cli.EnvFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, cfg.DeviceName)
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "check-config":
		err = checkConfig(os.Stdout, cfg)
	case "print-state":
		err = printState(cfg)
	default:
		err = run(cfg, logger)
	}
	if err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	polarity := cfg.Polarity()

	initial := make(map[int]bool)
	for _, ch := range reg.All() {
		for _, pin := range ch.Outputs() {
			initial[pin] = polarity.Level(ch.DefaultOn())
		}
	}
	chip, err := gpio.NewRealChip(cfg.GPIO.Chip, reg.InputPins(), initial)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(promReg)
		metricsHandler = metrics.HTTPHandler(promReg)
	}

	eng, err := engine.New(reg, chip, polarity,
		engine.WithLogger(logger),
		engine.WithRecorder(recorder))
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	// Status tracker first so it counts every event, including resyncs.
	tracker := status.NewTracker(time.Now(), statusConfig(cfg), eng.Snapshot())
	tracker.SetNetwork(readNetworkInfo(cfg.NetworkFile))
	eng.AddSink(tracker)

	broadcaster := live.NewBroadcaster(eng,
		live.WithLogger(logger),
		live.WithRecorder(recorder))
	eng.AddSink(broadcaster)
	defer broadcaster.Close()

	indices := make([]int, 0, reg.Len())
	for _, ch := range reg.All() {
		indices = append(indices, ch.Index())
	}

	var publisher systemPublisher
	if cfg.MQTT.Enabled {
		bridge := mqtt.NewBridge(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Root:     cfg.MQTT.Root,
			QoS:      byte(cfg.MQTT.QoS),
		}, indices, eng,
			mqtt.WithLogger(logger),
			mqtt.WithRecorder(recorder),
			mqtt.WithConnectionHandler(tracker.SetMQTTConnected))
		// Registered before dialing so the resync on connect reaches the broker.
		eng.AddSink(bridge)
		if err := bridge.Dial(); err != nil {
			logger.Warn("mqtt dial failed, retrying in background", "error", err)
		}
		defer bridge.Close()
		publisher = bridge
	}

	if cfg.NATS.Enabled {
		bridge := natsbus.NewBridge(natsbus.Config{
			URL:  cfg.NATS.URL,
			Name: cfg.DeviceName,
			Root: cfg.NATS.Root,
		}, indices, eng,
			natsbus.WithLogger(logger),
			natsbus.WithRecorder(recorder),
			natsbus.WithConnectionHandler(tracker.SetNATSConnected))
		eng.AddSink(bridge)
		if err := bridge.Dial(); err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bridge.Close()
	}

	if cfg.InfluxDB.Enabled {
		sink, err := telemetry.Connect(context.Background(), telemetry.Config{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, telemetry.WithLogger(logger), telemetry.WithRecorder(recorder))
		if err != nil {
			// Telemetry is optional; the lights still work without it.
			logger.Warn("influxdb unavailable, telemetry disabled", "error", err)
		} else {
			eng.AddSink(sink)
			defer sink.Close()
		}
	}

	if publisher != nil {
		snap := tracker.Snapshot()
		startup := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := publisher.PublishSystem(startup); err != nil {
			logger.Warn("failed to publish startup event", "error", err)
		} else {
			logger.Info("published startup event")
		}
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, eng,
			web.WithLogger(logger),
			web.WithRecorder(recorder),
			web.WithLive(broadcaster, cfg.HTTP.KeepAlive),
			web.WithMetricsHandler(metricsHandler),
			web.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
		}()
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
	}

	poller := button.NewPoller(eng.Channels(), chip, eng, cfg.Debounce, cfg.PressLevel(),
		button.WithLogger(logger),
		button.WithRecorder(recorder))

	logger.Info("started",
		"channels", reg.Len(),
		"poll", cfg.PollInterval,
		"debounce", cfg.Debounce,
		"output_active", polarity,
		"mqtt", cfg.MQTT.Enabled,
		"nats", cfg.NATS.Enabled,
		"heartbeat", cfg.MQTT.Heartbeat)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	d := &daemon{
		poller:      poller,
		publisher:   publisher,
		tracker:     tracker,
		heartbeat:   cfg.MQTT.Heartbeat,
		networkFile: cfg.NetworkFile,
		now:         time.Now,
		logger:      logger,
	}
	return d.runLoop(ticker.C, sigCh)
}

// systemPublisher sends lifecycle events to the bus.
type systemPublisher interface {
	PublishSystem(event mqtt.SystemEvent) error
}

// daemon owns the poll loop.
type daemon struct {
	poller      *button.Poller
	publisher   systemPublisher // nil when MQTT is disabled
	tracker     *status.Tracker
	heartbeat   time.Duration // 0 disables
	networkFile string
	now         func() time.Time
	logger      *slog.Logger
}

// runLoop polls the buttons on every tick and schedules a heartbeat when it
// is due. Heartbeats wait for the broker, so they are published from their
// own goroutine and a stalled broker never delays a poll. runLoop returns
// after publishing SHUTDOWN when a signal arrives.
func (d *daemon) runLoop(tick <-chan time.Time, sig <-chan os.Signal) error {
	lastHeartbeat := d.now()

	heartbeats := make(chan struct{}, 1)
	heartbeatsDone := make(chan struct{})
	go d.publishHeartbeats(heartbeats, heartbeatsDone)

	for {
		select {
		case s := <-sig:
			d.logger.Info("shutting down", "signal", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			close(heartbeats)
			<-heartbeatsDone
			d.publishSystem("SHUTDOWN", signalName, true)
			return nil

		case <-tick:
			t := d.now()
			d.poller.Poll(t)

			if d.heartbeat > 0 && t.Sub(lastHeartbeat) >= d.heartbeat {
				lastHeartbeat = t
				select {
				case heartbeats <- struct{}{}:
				default:
					d.logger.Warn("previous heartbeat still publishing, skipping")
				}
			}
		}
	}
}

// publishHeartbeats publishes one HEARTBEAT per request until due is closed.
func (d *daemon) publishHeartbeats(due <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for range due {
		d.tracker.SetNetwork(readNetworkInfo(d.networkFile))
		d.publishSystem("HEARTBEAT", "", false)
	}
}

func (d *daemon) publishSystem(event, reason string, retained bool) {
	if d.publisher == nil {
		return
	}
	snap := d.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(ev); err != nil {
		d.logger.Warn("failed to publish system event", "event", event, "error", err)
		return
	}
	d.logger.Info("published system event", "event", event, "uptime", snap.Uptime().Truncate(time.Second))
}

func statusConfig(cfg *config.Config) status.Config {
	sc := status.Config{
		Device:       cfg.DeviceName,
		PollMs:       cfg.PollInterval.Milliseconds(),
		DebounceMs:   cfg.Debounce.Milliseconds(),
		OutputActive: cfg.Polarity().String(),
		HTTPAddr:     cfg.HTTP.Addr,
	}
	if cfg.MQTT.Enabled {
		sc.Broker = cfg.MQTT.Broker
		sc.HeartbeatMs = cfg.MQTT.Heartbeat.Milliseconds()
	}
	if cfg.NATS.Enabled {
		sc.NATSURL = cfg.NATS.URL
	}
	return sc
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// readNetworkInfo reads the pi-helper env file at path. If the file cannot be
// read the process environment is used instead, as under a systemd
// EnvironmentFile. It returns nil when no network status is known.
func readNetworkInfo(path string) *status.NetworkInfo {
	lookup := os.Getenv
	if path != "" {
		if vars, err := godotenv.Read(path); err == nil {
			lookup = func(key string) string { return vars[key] }
		}
	}

	s := lookup(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       lookup(envNetworkType),
		IP:         lookup(envNetworkIP),
		Status:     s,
		Gateway:    lookup(envNetworkGateway),
		WifiStatus: lookup(envNetworkWifiStatus),
		SSID:       lookup(envNetworkWifiSSID),
	}
}

func printState(cfg *config.Config) error {
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	chip, err := gpio.NewInputChip(cfg.GPIO.Chip, reg.InputPins())
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	return writeInputState(os.Stdout, reg.All(), chip, cfg.PressLevel())
}

// writeInputState prints one line per input pin with its raw level.
func writeInputState(w io.Writer, chans []channel.Channel, r gpio.Reader, pressLevel bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tNAME\tPIN\tLEVEL\tPRESSED")
	for _, ch := range chans {
		for _, pin := range ch.Inputs() {
			level, err := r.Read(pin)
			if err != nil {
				return fmt.Errorf("read pin %d: %w", pin, err)
			}
			pressed := "no"
			if level == pressLevel {
				pressed = "yes"
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", ch.Index(), ch.Name(), pin, gpio.LevelString(level), pressed)
		}
	}
	return tw.Flush()
}

// checkConfig prints the validated channel table.
func checkConfig(w io.Writer, cfg *config.Config) error {
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "device: %s\noutput_active: %s\npress_level: %s\n\n",
		cfg.DeviceName, cfg.Polarity(), gpio.LevelString(cfg.PressLevel()))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tNAME\tINPUTS\tOUTPUTS\tDEFAULT")
	for _, ch := range reg.All() {
		def := "off"
		if ch.DefaultOn() {
			def = "on"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ch.Index(), ch.Name(), joinPins(ch.Inputs()), joinPins(ch.Outputs()), def)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nconfiguration OK")
	return nil
}

func joinPins(pins []int) string {
	s := make([]string, len(pins))
	for i, p := range pins {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ",")
}
