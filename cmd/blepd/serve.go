package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/fatih/color"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/blepd/internal/bluez"
	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/bus/godbus"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/srg/blepd/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Publish the peripheral and advertise until stopped",
	Long: `Connect to the system bus, register the GATT application and the LE
advertisement with BlueZ, then serve BlueZ's calls until ENTER is pressed
or SIGINT/SIGTERM is received. Both registrations are withdrawn on exit.`,
	RunE: runServe,
}

// dialer opens the bus connection; tests replace it.
var dialer = func(logger *logrus.Logger) bus.DialFunc {
	return godbus.Dialer(logger)
}

var (
	statusOK   = color.New(color.FgGreen)
	statusFail = color.New(color.FgRed)
	statusNote = color.New(color.FgYellow)
)

func init() {
	serveCmd.Flags().String("controller", "", "Controller object path (default from config, /org/bluez/hci0)")
	serveCmd.Flags().String("name", "", "Advertised local name")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	engine := bus.NewEngine(bus.Options{
		Dial:             dialer(logger),
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendTimeout:      cfg.SendTimeout,
		ReplyTimeout:     cfg.ReplyTimeout,
		QueueCapacity:    cfg.QueueCapacity,
		Logger:           logger,
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}
	defer func() { _ = engine.Stop() }()

	p, err := newPeripheral(engine, cfg, logger)
	if err != nil {
		return err
	}
	// the engine only holds a weak reference
	bus.Subscribe(engine, p)
	defer runtime.KeepAlive(p)

	if err := p.Start(); err != nil {
		statusFail.Fprintf(out, "✗ %s failed to start: %v\n", p.Name(), err)
	} else {
		statusOK.Fprintf(out, "✓ %s advertising on %s (application %s)\n", p.Name(), cfg.ControllerPath, cfg.ApplicationPath)
	}

	if isTerminal(cmd.InOrStdin()) {
		statusNote.Fprintln(out, "Press ENTER to stop")
	}

	select {
	case <-lineRead(cmd.InOrStdin()):
	case <-ctx.Done():
	}

	if err := p.Stop(); err != nil {
		statusFail.Fprintf(out, "✗ %s stopped with errors: %v\n", p.Name(), err)
	} else if p.State() == peripheral.StateStopped {
		statusOK.Fprintf(out, "✓ %s stopped\n", p.Name())
	}
	// withdraws what a failed or timed out start left behind
	if err := p.Controller().Close(); err != nil {
		statusFail.Fprintf(out, "✗ %s cleanup: %v\n", p.Name(), err)
	}
	return nil
}

// loadConfig reads --config and applies the command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if f := cmd.Flags().Lookup("controller"); f != nil && f.Changed {
		cfg.ControllerPath = f.Value.String()
	}
	if f := cmd.Flags().Lookup("name"); f != nil && f.Changed {
		cfg.LocalName = f.Value.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newPeripheral(transport bus.Transport, cfg *config.Config, logger *logrus.Logger) (*peripheral.Peripheral, error) {
	advType, err := bluez.ParseAdvertisementType(cfg.AdvertisementType)
	if err != nil {
		return nil, err
	}
	controller := bluez.NewController(transport, dbus.ObjectPath(cfg.ControllerPath), logger)
	return peripheral.NewSample(transport, controller, peripheral.SampleOptions{
		ApplicationPath:   dbus.ObjectPath(cfg.ApplicationPath),
		ServiceUUID:       cfg.ServiceUUID,
		RxUUID:            cfg.RxUUID,
		LocalName:         cfg.LocalName,
		AdvertisementType: advType,
		CaptureCapacity:   cfg.CaptureCapacity,
	}, logger)
}

// lineRead is closed once a full line was read from r. End of input leaves
// it open so a detached daemon keeps running until signalled.
func lineRead(r io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
			close(done)
		}
	}()
	return done
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
