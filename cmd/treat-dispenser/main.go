// Command treat-dispenser runs the dispense controller: it drives the motor
// through the port expander, serves the status page and publishes activity to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"github.com/sweeney/treat-dispenser/internal/audio"
	"github.com/sweeney/treat-dispenser/internal/clock"
	"github.com/sweeney/treat-dispenser/internal/config"
	"github.com/sweeney/treat-dispenser/internal/controller"
	"github.com/sweeney/treat-dispenser/internal/events"
	"github.com/sweeney/treat-dispenser/internal/logger"
	"github.com/sweeney/treat-dispenser/internal/motor"
	"github.com/sweeney/treat-dispenser/internal/mqtt"
	"github.com/sweeney/treat-dispenser/internal/pins"
	"github.com/sweeney/treat-dispenser/internal/status"
	"github.com/sweeney/treat-dispenser/internal/web"
)

const queueSize = 16

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalw("fatal", "err", err)
	}
}

// portBus is a bus the daemon owns and must release.
type portBus interface {
	pins.Bus
	io.Closer
}

func openBus(c config.BusConfig) (portBus, error) {
	switch c.Kind {
	case config.BusI2C:
		return pins.OpenI2C(c.I2CName, c.I2CAddr)
	case config.BusGPIOCDev:
		var offsets [pins.NumSignals]int
		copy(offsets[:], c.Lines)
		return pins.OpenLines(c.Chip, offsets)
	case config.BusFake:
		return pins.NewFakeBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", c.Kind)
	}
}

// attachCurrentSensor enables advisory jam detection when a sensor pin is
// configured. A missing sensor only disables sampling.
func attachCurrentSensor(mot *motor.Supervisor, pin string, log *zap.SugaredLogger) {
	if pin == "" {
		return
	}
	hs, err := motor.OpenHallSensor(pin)
	if err != nil {
		log.Warnw("current sensor unavailable, jam detection disabled", "pin", pin, "err", err)
		return
	}
	mot.SetCurrentSensor(hs)
	log.Infow("current sensor attached", "pin", pin)
}

func openAudio(c config.AudioConfig, log *zap.SugaredLogger) (audio.Player, func()) {
	if c.Pin == "" {
		return audio.Nop{}, func() {}
	}
	b, err := audio.OpenBuzzer(c.Pin, audio.Tone{
		Frequency: physic.Frequency(c.Frequency) * physic.Hertz,
		Duration:  c.Duration,
	}, log)
	if err != nil {
		log.Warnw("buzzer unavailable, audio disabled", "pin", c.Pin, "err", err)
		return audio.Nop{}, func() {}
	}
	return b, func() { _ = b.Close() }
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	bus, err := openBus(cfg.Bus)
	if err != nil {
		return fmt.Errorf("open %s bus: %w", cfg.Bus.Kind, err)
	}
	defer bus.Close()

	port := pins.NewPort(bus, log.Named("pins"))
	if cfg.PrintState {
		return printState(os.Stdout, port)
	}
	if err := port.Initialize(); err != nil {
		return fmt.Errorf("init port: %w", err)
	}

	player, closeAudio := openAudio(cfg.Audio, log.Named("audio"))
	defer closeAudio()

	mot := motor.New(port, clock.Real{}, motor.Config{
		Timeout:    cfg.Motor.Timeout,
		Poll:       cfg.Motor.Poll,
		BeamSettle: cfg.Motor.BeamSettle,
		JamAmps:    cfg.Motor.JamAmps,
	}, log.Named("motor"))
	defer mot.FullStop()
	attachCurrentSensor(mot, cfg.Motor.CurrentPin, log)

	wsBroker := config.ResolveWSBroker(cfg.MQTT.WSBroker, cfg.MQTT.Broker)

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		TickMs:         cfg.Tick.Milliseconds(),
		DebounceMs:     cfg.Debounce.Milliseconds(),
		HeartbeatMs:    cfg.Heartbeat.Milliseconds(),
		MotorTimeoutMs: cfg.Motor.Timeout.Milliseconds(),
		WindowMs:       cfg.Guidance.Window.Milliseconds(),
		CooldownMs:     cfg.Schedule.Cooldown.Milliseconds(),
		Bus:            cfg.Bus.Kind,
		Broker:         cfg.MQTT.Broker,
		HTTPPort:       cfg.HTTPAddr,
		WSBroker:       wsBroker,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// The publisher is connected after the controller exists so remote
	// commands have a queue to land in; nothing is emitted before then.
	var publisher mqtt.Publisher = mqtt.Discard{}
	ctrl := controller.New(controller.Deps{
		Port:    port,
		Motor:   mot,
		Audio:   player,
		Log:     log.Named("controller"),
		Display: tracker,
		Events: events.Fanout{tracker, events.NotifierFunc(func(e events.Event) {
			if err := publisher.Publish(e); err != nil {
				log.Warnw("publish error", "type", string(e.Type), "err", err)
			}
		})},
	}, controller.Config{
		Settle:        cfg.Debounce,
		Window:        cfg.Guidance.Window,
		MotorTimeout:  cfg.Motor.Timeout,
		Cooldown:      cfg.Schedule.Cooldown,
		TreatsPerHour: cfg.Schedule.TreatsPerHour,
		Hours:         cfg.Schedule.Hours,
	})
	queue := controller.NewQueue(queueSize, ctrl.RequestCancel)

	var conn mqtt.ConnectionStatus
	if cfg.MQTT.Broker != "" {
		rp, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			OnCommand: commandHandler(queue, log.Named("mqtt")),
			Log:       log.Named("mqtt"),
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer rp.Close()
		publisher, conn = rp, rp
	} else {
		log.Infow("mqtt disabled")
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Warnw("failed to publish startup event", "err", err)
	} else {
		log.Infow("published startup event")
	}

	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, queue, log.Named("http"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("http server error", "err", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Infow("http status server listening", "addr", cfg.HTTPAddr)
	}

	log.Infow("started",
		"tick", cfg.Tick,
		"bus", cfg.Bus.Kind,
		"broker", cfg.MQTT.Broker,
		"heartbeat", cfg.Heartbeat,
		"treats_per_hour", cfg.Schedule.TreatsPerHour,
		"hours", cfg.Schedule.Hours,
	)

	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(loopDeps{
		ctrl:      ctrl,
		port:      port,
		publisher: publisher,
		conn:      conn,
		tracker:   tracker,
		heartbeat: cfg.Heartbeat,
		log:       log,
	}, time.Now, ticker.C, queue.Jobs(), sigCh)
}

// commandHandler turns MQTT command messages into queued requests.
func commandHandler(q *controller.Queue, log *zap.SugaredLogger) mqtt.CommandHandler {
	log = logger.OrNop(log)
	return func(name, value string) {
		req, err := controller.ParseRequest(name, value)
		if err != nil {
			log.Warnw("ignoring command", "command", name, "err", err)
			return
		}
		if err := q.Offer(req); err != nil {
			log.Warnw("command dropped", "command", name, "err", err)
		}
	}
}

type loopDeps struct {
	ctrl      *controller.Controller
	port      *pins.Port
	publisher mqtt.Publisher
	conn      mqtt.ConnectionStatus
	tracker   *status.Tracker
	heartbeat time.Duration
	log       *zap.SugaredLogger
}

// updateStatus copies per-tick state the controller does not push itself.
func (d loopDeps) updateStatus() {
	d.tracker.SetSchedule(d.ctrl.Schedule())
	d.tracker.SetPort(d.port.Stats())
	if d.conn != nil {
		d.tracker.SetMQTTConnected(d.conn.IsConnected())
	}
}

func runLoop(d loopDeps, now func() time.Time, tick <-chan time.Time, jobs <-chan controller.Job, sig <-chan os.Signal) error {
	log := logger.OrNop(d.log)
	lastBeat := now()

	for {
		select {
		case s := <-sig:
			log.Infow("shutting down", "signal", s.String())
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}

			t := now()
			d.ctrl.Shutdown(t)
			d.updateStatus()
			snap := d.tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  t,
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
			}
			if err := d.publisher.PublishSystem(event); err != nil {
				log.Warnw("failed to publish shutdown event", "err", err)
			} else {
				log.Infow("published shutdown event")
			}
			return nil

		case j := <-jobs:
			d.ctrl.Run(j, now())
			d.updateStatus()

		case <-tick:
			t := now()
			d.ctrl.Tick(t)
			d.updateStatus()

			if d.heartbeat <= 0 || t.Sub(lastBeat) < d.heartbeat {
				continue
			}
			lastBeat = t

			if err := d.port.RestoreInputs(); err != nil {
				log.Warnw("restore inputs failed", "err", err)
			}
			if net := readNetworkInfo(); net != nil {
				d.tracker.SetNetwork(net)
			}
			snap := d.tracker.Snapshot()
			log.Infow("heartbeat",
				"uptime", snap.Uptime().Truncate(time.Second),
				"dispensed", snap.Counts.Dispensed,
				"skipped", snap.Counts.Skipped,
				"schedule_running", snap.Schedule.Running,
			)
			hb := mqtt.SystemEvent{
				Timestamp:  t,
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}
			if err := d.publisher.PublishSystem(hb); err != nil {
				log.Warnw("heartbeat publish error", "err", err)
			}
		}
	}
}

// printState writes every signal's cached and live state.
func printState(w io.Writer, port *pins.Port) error {
	cached, live, err := port.Dump()
	if err != nil {
		return fmt.Errorf("read port: %w", err)
	}
	fmt.Fprintf(w, "cached=0x%02X live=0x%02X\n", cached, live)
	for _, s := range pins.All() {
		fmt.Fprintf(w, "%-9s %-6s asserted=%t\n", s, s.Direction(), pins.Levels(live).Asserted(s))
	}
	return nil
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

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
