package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"device-simulator/internal/command"
	"device-simulator/internal/config"
	"device-simulator/internal/discovery"
	"device-simulator/internal/journal"
	"device-simulator/internal/logging"
	"device-simulator/internal/modbus"
	"device-simulator/internal/model"
	"device-simulator/internal/notify"
	"device-simulator/internal/output"
	"device-simulator/internal/schema"
	"device-simulator/internal/server"
	"device-simulator/internal/servermgr"
)

var version = "dev"

func main() {
	var (
		configPath   string
		schemaPath   string
		snapshotJSON string
		snapshotCSV  string
	)
	flag.StringVar(&configPath, "config", "", "Path to devsim.yaml (defaults only when empty)")
	flag.StringVar(&schemaPath, "schema", "", "Override the device schema path")
	flag.StringVar(&snapshotJSON, "snapshot-json", "", "Write final device state as JSON on shutdown")
	flag.StringVar(&snapshotCSV, "snapshot-csv", "", "Write final device state as CSV on shutdown")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Default().Error("load config", "error", err)
		os.Exit(1)
	}
	if schemaPath != "" {
		cfg.Schema = schemaPath
	}

	log := logging.New(cfg.Logging, version)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, snapshotJSON, snapshotCSV); err != nil {
		log.Error("devsim failed", "error", err)
		os.Exit(1)
	}
}

func loadRegistry(path string) (*schema.Registry, error) {
	types, err := schema.Load(path)
	if err != nil {
		return nil, err
	}
	reg, err := schema.NewRegistry(types)
	if err != nil {
		return nil, err
	}
	for _, dt := range reg.Types() {
		if err := command.Validate(dt); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func openNotifiers(cfg config.Config, reg *schema.Registry, log *logging.Logger) ([]notify.Notifier, error) {
	var out []notify.Notifier
	if cfg.MQTT.Enabled {
		p, err := notify.ConnectMQTT(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		log.Info("mqtt publisher connected", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
		out = append(out, p)
	}
	if cfg.InfluxDB.Enabled {
		w, err := notify.ConnectInflux(cfg.InfluxDB, notify.ValueIndex(reg), log.With("component", "influxdb"))
		if err != nil {
			for _, n := range out {
				_ = n.Close()
			}
			return nil, err
		}
		log.Info("influxdb writer connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		out = append(out, w)
	}
	return out, nil
}

func run(ctx context.Context, cfg config.Config, log *logging.Logger, snapshotJSON, snapshotCSV string) error {
	reg, err := loadRegistry(cfg.Schema)
	if err != nil {
		return fmt.Errorf("load schema %s: %w", cfg.Schema, err)
	}
	log.Info("schema loaded", "path", cfg.Schema, "device_types", reg.Len())

	var options []server.Option
	options = append(options, server.WithLogger(log.With("component", "loop")))

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.FileType, cfg.Journal.MaxQueueSize, log.With("component", "journal"))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Warn("journal close", "error", err)
			}
			log.Info("journal closed", "dropped", j.Dropped())
		}()
		options = append(options, server.WithCommandObserver(func(r server.Result) {
			if err := j.Handle(r.Record()); err != nil {
				log.Warn("journal record dropped", "session", r.SessionID, "error", err)
			}
		}))
	}

	notifiers, err := openNotifiers(cfg, reg, log)
	if err != nil {
		return fmt.Errorf("open notifiers: %w", err)
	}
	if len(notifiers) > 0 {
		fan := notify.NewFanout(0, log.With("component", "notify"), notifiers...)
		defer func() {
			if err := fan.Close(); err != nil {
				log.Warn("notify close", "error", err)
			}
			log.Info("notifiers closed", "dropped", fan.Dropped())
		}()
		options = append(options, server.WithChangeObserver(func(c model.StateChange) {
			if err := fan.Handle(c); err != nil {
				log.Warn("state change dropped", "device", c.Device, "variable", c.Variable, "error", err)
			}
		}))
	}

	loop := server.New(server.Options{
		ListenHost:    cfg.Server.ListenHost,
		LineEnding:    cfg.Server.LineEnding,
		CloseOnError:  cfg.Server.OnError == config.OnErrorClose,
		IdleTimeout:   cfg.Server.IdleTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		ReadBuffer:    cfg.Server.ReadBuffer,
		MaxLineLength: cfg.Server.MaxLine,
	}, reg, options...)

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(context.Background()) }()

	select {
	case <-loop.Ready():
	case err := <-loopErr:
		return err
	case <-ctx.Done():
		loop.Close()
		return nil
	}

	var comps []servermgr.Component
	if cfg.Modbus.Enabled {
		mirror := modbus.NewServer(reg, loop, log.With("component", "modbus"))
		comps = append(comps, servermgr.Func("modbus",
			func() error { return mirror.Listen(cfg.Modbus.ListenAddress) },
			mirror.Close,
		))
	}
	if cfg.MDNS.Enabled {
		adv := discovery.NewAdvertiser(cfg.MDNS, log.With("component", "mdns"))
		comps = append(comps, servermgr.Func("mdns",
			func() error { return adv.Advertise(reg.Types()) },
			adv.StopAll,
		))
	}
	mgr := servermgr.NewManager(log, 2, comps...)
	if err := mgr.Start(ctx); err != nil {
		loop.Close()
		return err
	}
	log.Info("device simulator running", "devices", reg.Len(), "components", mgr.Len())

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-loopErr:
		mgr.Stop()
		return err
	}

	mgr.Stop()
	if snapshotJSON != "" || snapshotCSV != "" {
		if err := writeSnapshot(loop, snapshotJSON, snapshotCSV); err != nil {
			log.Warn("snapshot", "error", err)
		}
	}
	loop.Close()
	return nil
}

func writeSnapshot(loop *server.Loop, jsonPath, csvPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps, err := loop.Snapshot(ctx)
	if err != nil {
		return err
	}
	var errs []error
	if jsonPath != "" {
		errs = append(errs, output.WriteSnapshotsJSON(jsonPath, snaps))
	}
	if csvPath != "" {
		errs = append(errs, output.WriteSnapshotsCSV(csvPath, snaps))
	}
	return errors.Join(errs...)
}
