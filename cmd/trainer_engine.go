package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/config"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/dashboard"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/gateway"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/workout"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if cfg.Dashboard.Enabled {
		// stderr belongs to the terminal UI
		cfg.Log.Stderr = false
	}
	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()

	var model *dashboard.Model
	if cfg.Dashboard.Enabled {
		model = dashboard.NewModel(logger, cfg.Scan.StaleTimeout, time.Now)
		if cfg.Log.File != "" {
			logger.SetOutput(io.MultiWriter(logger.Writer(), model))
		} else {
			logger.SetOutput(model)
		}
	}

	logger.Printf("Main: Starting trainer engine (host=%s mode=%s)", cfg.Host, cfg.Mode)

	host, releaseHost := newHost(cfg, logger)
	defer releaseHost()

	bus := trainer.NewEventBus()
	engine := trainer.NewEngine(host, bus, logger, trainer.EngineConfig{
		Mode:           cfg.Mode,
		ExportDir:      cfg.Session.ExportDir,
		SimulationTick: cfg.Simulation.Tick,
	})
	defer engine.Shutdown()

	if err := engine.Init(); err != nil {
		// The engine keeps reporting the error state; the gateway and the
		// dashboard still serve it
		logger.Printf("Main: Engine init failed: %v", err)
	}

	runner := workout.NewRunner(engine, bus, logger, workout.RunnerConfig{
		FTP:            cfg.Workout.FTP,
		MaxHR:          cfg.Workout.MaxHR,
		ControlTimeout: cfg.Control.Timeout,
	})
	defer runner.Shutdown()
	unsubscribeRunner := bus.Listen(runner.Apply)
	defer unsubscribeRunner()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Gateway.Enabled {
		server := gateway.NewServer(bus, cfg.Gateway.Addr, logger)
		gateway.RegisterEngineHandlers(server, engine, gateway.HandlerConfig{
			ControlTimeout: cfg.Control.Timeout,
			ConnectTimeout: cfg.Control.ConnectTimeout,
		})
		gateway.RegisterWorkoutHandlers(server, runner)
		g.Go(func() error {
			return server.Start(ctx)
		})
	}

	if model != nil {
		unsubscribe := bus.Listen(model.Apply)
		defer unsubscribe()

		prefsPath := cfg.Dashboard.PreferencesFile
		if prefsPath == "" {
			prefsPath = dashboard.DefaultPreferencesPath()
		}
		controller := dashboard.NewController(model, engine, dashboard.LoadPreferences(prefsPath, logger), logger, dashboard.ControllerConfig{
			ControlTimeout: cfg.Control.Timeout,
			ConnectTimeout: cfg.Control.ConnectTimeout,
			Workouts:       runner,
		})
		dash := dashboard.NewDashboard(dashboard.NewDashboardArg{
			View:       dashboard.NewTerminalView(logger, tview.NewApplication()),
			Model:      model,
			Controller: controller,
			Logger:     logger,
		})
		g.Go(func() error {
			if err := dash.Run(ctx); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			// Quitting the dashboard ends the process
			stop()
			return nil
		})
	}

	if !cfg.Gateway.Enabled && model == nil {
		logger.Printf("Main: Gateway and dashboard are both disabled, waiting for a signal")
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err := g.Wait()
	logger.Printf("Main: Shutting down")
	return err
}

// newHost returns the configured Bluetooth host and the func that shuts it
// down along with any devices it simulates
func newHost(cfg config.Config, logger *log.Logger) (bt.Host, func()) {
	if cfg.Host == config.HostMock {
		strap := bt.NewMockHeartRateStrap(logger, bt.MockDeviceConfig{ID: "mock-hr-1", LocalName: "Mock HRM"})
		smartTrainer := bt.NewMockTrainer(logger, bt.MockDeviceConfig{ID: "mock-trainer-1", LocalName: "Mock Trainer"})
		host := bt.NewMockHost(logger, strap.MockPeripheral, smartTrainer.MockPeripheral)
		return host, func() {
			host.Shutdown()
			smartTrainer.Shutdown()
			strap.Shutdown()
		}
	}
	host := bt.NewTinyGoHost(bluetooth.DefaultAdapter, logger, cfg.Scan.StaleTimeout)
	return host, host.Shutdown
}
