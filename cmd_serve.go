package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/dispatch"
	"relay-gateway/internal/events"
	"relay-gateway/internal/gateway"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/logstream"
	"relay-gateway/internal/mqtt"
	"relay-gateway/internal/netmode"
	"relay-gateway/internal/radio"
	"relay-gateway/internal/serial"
	"relay-gateway/internal/server"
	"relay-gateway/internal/state"
	"relay-gateway/internal/store"
	"relay-gateway/internal/system"
	"relay-gateway/internal/telemetry"
	"relay-gateway/internal/timer"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	backgroundDrainTimeout = 3 * time.Second
	adminShutdownTimeout   = 2 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func printBanner(cfg *config.Config, path string) {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label, value)
	}
	line("Config:", path)
	line("Commands:", fmt.Sprintf("%s:%d/tcp", cfg.Server.ListenAddress, cfg.Server.TCPPort))
	line("Lookup:", fmt.Sprintf("%s:%d/udp", cfg.Server.ListenAddress, cfg.Server.UDPPort))
	if cfg.Server.AdminAddr != "" {
		line("Admin:", cfg.Server.AdminAddr)
	}
	if cfg.MQTT.Enabled {
		line("MQTT:", cfg.MQTT.Broker)
	}
	fmt.Println()
}

// background runs long-lived helpers (log hub, serial reconnect, history
// writer) on their own context so they outlive the command service.
type background struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newBackground() *background {
	ctx, cancel := context.WithCancel(context.Background())
	return &background{ctx: ctx, cancel: cancel}
}

func (b *background) Go(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// Stop cancels every helper and waits a bounded time for them to drain.
func (b *background) Stop() {
	b.once.Do(func() {
		b.cancel()
		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(backgroundDrainTimeout):
			logger.Warn("Main: Background tasks still running after %v.", backgroundDrainTimeout)
		}
	})
}

// newRadio selects the radio driver named in cfg.
func newRadio(cfg config.NetworkConfig) (netmode.Radio, func(), error) {
	switch cfg.Driver {
	case "static":
		return radio.NewStatic(cfg.Interface), func() {}, nil
	default:
		nm, err := radio.NewNetworkManager(cfg.Interface, cfg.APSSID, cfg.APPassword)
		if err != nil {
			return nil, nil, err
		}
		return nm, func() { nm.Close() }, nil
	}
}

func runServe(ctx context.Context) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	printBanner(cfg, path)

	hub := logstream.NewHub()
	if err := logger.Setup(cfg.Logging.File, hub); err != nil {
		return err
	}
	defer logger.Close()
	logger.SetLevelFromString(cfg.Logging.Level)

	lock, err := system.AcquireInstanceLock(filepath.Join(filepath.Dir(cfg.Device.StatePath), "relaygw.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	logger.Info("===========================================================")
	logger.Info("==              Relay Gateway %-27s==", version)
	logger.Info("===========================================================")

	bg := newBackground()
	defer bg.Stop()
	bg.Go(hub.Run)

	// Persisted state and identity.
	st := store.New(cfg.Device.StatePath)
	deviceID, err := st.EnsureDeviceID()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	creds, err := st.Load()
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("Main: No stored network credentials.")
	case err != nil:
		logger.Warn("Main: Could not read stored credentials: %v", err)
	}
	shared := state.New(creds)
	logger.Info("Main: Device id %s.", deviceID)

	// Event sinks. MQTT commands are dropped until the dispatcher exists.
	var dispatcher atomic.Pointer[dispatch.Dispatcher]
	var sinks events.Fanout

	rec, err := telemetry.Init(cfg.Database.Path, cfg.Database.RetentionDays)
	if err != nil {
		logger.Error("Main: Command history disabled: %v", err)
		rec = nil
	} else {
		sinks = append(sinks, rec)
		bg.Go(rec.Run)
	}

	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub, err = mqtt.Connect(cfg.MQTT, deviceID, func(line string) {
			if d := dispatcher.Load(); d != nil {
				d.Handle(bg.ctx, line)
			}
		})
		if err != nil {
			logger.Error("Main: MQTT disabled: %v", err)
			pub = nil
		} else {
			sinks = append(sinks, pub)
		}
	}

	// Wake reason.
	var wake *system.WakePin
	if cfg.Wake.Chip != "" {
		wake, err = system.OpenWakePin(cfg.Wake.Chip, cfg.Wake.Line, func() {
			sinks.Publish(bg.ctx, events.Event{Kind: events.WakePin, Time: time.Now()})
		})
		if err != nil {
			logger.Warn("Main: Wake pin unavailable: %v", err)
		}
	}
	if wake.WasWokenByPin() {
		logger.Info("Main: Woken up by pin.")
		sinks.Publish(ctx, events.Event{Kind: events.WakePin, Time: time.Now()})
	} else {
		logger.Info("Main: Cold boot.")
	}
	defer wake.Close()

	// Serial peripheral.
	transport := serial.New(cfg.Serial, sinks)
	if err := transport.Connect(); err != nil {
		logger.Warn("Main: Initial serial connection failed: %v. Retrying in background.", err)
	}
	bg.Go(transport.ManageConnection)
	defer transport.Close()

	// Network.
	rad, closeRadio, err := newRadio(cfg.Network)
	if err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	defer closeRadio()
	nw := netmode.New(rad, shared, st, cfg.Network)
	if creds.SSID != "" {
		if err := nw.EnableStation(ctx, creds.SSID, creds.Password); err != nil {
			logger.Warn("Main: Station mode failed: %v", err)
		}
	} else if err := nw.EnableAP(ctx); err != nil {
		logger.Warn("Main: Access point failed: %v", err)
	}

	tm := timer.New(shared, transport, sinks, cfg.Timer.TickInterval)
	d := dispatch.New(transport, tm, nw, shared, sinks)
	dispatcher.Store(d)

	var admin *server.Server
	stopAdmin := func() {
		if admin == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		if err := admin.Shutdown(sctx); err != nil {
			logger.Warn("Main: Admin server shutdown: %v", err)
		}
		admin = nil
	}
	defer stopAdmin()

	restarter := system.NewRestarter(cfg.Restart.Mode,
		stopAdmin,
		func() {
			if pub != nil {
				pub.Close()
			}
		},
		bg.Stop,
		transport.Close,
		func() { wake.Close() },
		closeRadio,
		func() { lock.Release() },
	)
	sup := gateway.New(cfg.Server, cfg.Device.Name, shared, d, nw, tm, restarter)

	if cfg.Server.AdminAddr != "" {
		admin = server.New(server.Options{
			Version:    version,
			DeviceID:   deviceID,
			DeviceName: cfg.Device.Name,
			State:      shared,
			Dispatcher: d,
			Network:    nw,
			Serial:     transport,
			Supervisor: sup,
			History:    rec != nil,
			LogStream:  hub.ServeWs,
		})
		if err := admin.Start(cfg.Server.AdminAddr); err != nil {
			logger.Error("Main: %v", err)
			admin = nil
		}
	}

	phase, err := sup.Run(ctx)
	if err != nil {
		return err
	}
	if phase == gateway.Detaching && ctx.Err() == nil && admin != nil {
		logger.Info("Main: Command service detached. Admin API stays up until shutdown.")
		<-ctx.Done()
	}

	if pub != nil {
		pub.Close()
	}
	logger.Info("Main: Exiting.")
	return nil
}
