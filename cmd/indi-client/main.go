package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"indi/pkg/bridge/influx"
	"indi/pkg/bridge/mqtt"
	"indi/pkg/config"
	"indi/pkg/drivers/simulator"
	"indi/pkg/indi"
	"indi/pkg/store"
	"indi/pkg/web"
	"indi/templates"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

const reconnectInterval = 5 * time.Second

func setupLogging(c *cli.Context, cfg config.LoggingConfig) error {
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %v", cfg.Level, err)
	}
	if c.Bool("debug") {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	return nil
}

// connectionSettings picks the server to use. Settings saved through the
// setup page apply unless a config file, the environment or a flag names one.
// INDI_ADDRESS and INDI_PORT each override only their own field.
func connectionSettings(c *cli.Context, cfg *config.Config, saved store.Settings) store.Settings {
	settings := saved
	if c.IsSet("config") {
		settings = store.Settings{
			Address:     cfg.Client.Address,
			Port:        cfg.Client.Port,
			BufferSize:  cfg.Client.BufferSize,
			CommandSize: cfg.Client.CommandSize,
		}
	} else {
		if os.Getenv("INDI_ADDRESS") != "" {
			settings.Address = cfg.Client.Address
		}
		if os.Getenv("INDI_PORT") != "" {
			settings.Port = cfg.Client.Port
		}
	}

	if c.IsSet("server") {
		host, port, err := indi.ParseAddress(c.String("server"))
		if err != nil {
			log.Warnf("Ignoring server flag: %v", err)
		} else {
			settings.Address, settings.Port = host, port
		}
	}
	if c.IsSet("port") {
		settings.Port = c.Int("port")
	}
	return settings
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if c.IsSet("http-port") {
		cfg.HTTP.Port = c.Int("http-port")
	}
	if c.Bool("simulator") {
		cfg.Simulator.Enabled = true
	}
	if err := setupLogging(c, cfg.Logging); err != nil {
		return err
	}

	log.Info("INDI Client")

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(cfg.Store.Path, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	st, err := store.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	saved, err := st.GetSettings()
	if err != nil {
		return fmt.Errorf("failed to read saved settings: %v", err)
	}
	settings := connectionSettings(c, cfg, saved)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := indi.NewClient(indi.Config{
		BufferSize:   settings.BufferSize,
		CommandSize:  settings.CommandSize,
		SendInterval: cfg.Client.SendInterval,
		StopGrace:    cfg.Client.StopGrace,
		DialTimeout:  cfg.Client.DialTimeout,
		Logger:       log.WithField("component", "indi"),
		Metrics:      indi.NewMetrics(registry),
	})
	defer client.Dispose()

	if mode := indi.BLOBMode(cfg.Client.BLOBMode); mode != "" {
		client.OnDeviceAdded(func(dev *indi.Device) {
			if !dev.Local() {
				dev.EnableBLOB(mode)
			}
		})
	}

	if cfg.Store.ArchiveBLOBs {
		client.OnBlobVector(func(v *indi.BlobVector, device string) {
			ids, err := st.ArchiveBlobVector(v)
			if err != nil {
				log.Errorf("Failed to archive BLOBs of %s.%s: %v", device, v.Name(), err)
				return
			}
			if len(ids) > 0 {
				log.Debugf("Archived %d BLOB(s) of %s.%s", len(ids), device, v.Name())
			}
		})
	}

	client.OnMessage(func(msg indi.Message) {
		log.WithField("device", msg.Device).Info(msg.Text)
	})

	if cfg.Simulator.Enabled {
		dome, err := simulator.NewDome(client, db, log.WithField("device", "dome"))
		if err != nil {
			return fmt.Errorf("failed to create dome simulator: %v", err)
		}
		defer dome.Close()
	}

	if cfg.InfluxDB.Enabled {
		recorder, err := influx.Connect(cfg.InfluxDB, log.StandardLogger())
		if err != nil {
			return fmt.Errorf("failed to connect to InfluxDB: %v", err)
		}
		defer recorder.Close()
		recorder.Attach(client)
	}

	// Channel to listen for interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.CreateClient(cfg.MQTT)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)

		bridge := mqtt.New(mqttClient, client, cfg.MQTT, log.StandardLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				log.Errorf("MQTT bridge failed: %v", err)
			}
		}()
	}

	var srv *http.Server
	if cfg.HTTP.Enabled {
		server := web.NewServer(client, st, tmpl, registry, log.StandardLogger())
		srv = &http.Server{
			Addr:    net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
			Handler: server.AddRoutes(),
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Debugf("Server started on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Could not listen on %s: %v\n", srv.Addr, err)
			}
		}()
	}

	if path := c.String("replay"); path != "" {
		if err := replay(ctx, client, path); err != nil {
			return err
		}
	} else {
		if err := client.Connect(settings.Address, settings.Port); err != nil {
			return err
		}
		if err := st.SetSettings(settings); err != nil {
			log.Warnf("Failed to save connection settings: %v", err)
		}
		client.QueryProperties()

		wg.Add(1)
		go func() {
			defer wg.Done()
			keepConnected(ctx, client)
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down...")

	if srv != nil {
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx2); err != nil {
			return fmt.Errorf("server forced to shutdown: %v", err)
		}
	}

	wg.Wait()
	log.Info("Client stopped")
	return nil
}

// replay feeds a recorded session to the client and keeps the resulting
// registry available until the process is stopped.
func replay(ctx context.Context, client *indi.Client, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %v", err)
	}
	defer f.Close()

	log.Infof("Replaying %s", path)
	if err := <-client.Replay(ctx, f); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay failed: %v", err)
	}
	log.Infof("Replay finished with %d device(s)", len(client.Devices()))
	return nil
}

// keepConnected reconnects and queries the properties again after the server
// closes the connection.
func keepConnected(ctx context.Context, client *indi.Client) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client.Connected() {
				continue
			}
			log.Warn("Connection to INDI server lost, reconnecting")
			client.Disconnect()
			if err := client.Connect("", 0); err != nil {
				log.Errorf("Reconnect failed: %v", err)
				continue
			}
			client.QueryProperties()
		}
	}
}

func main() {
	app := cli.App{
		Name:  "indi-client",
		Usage: "INDI protocol client with MQTT, InfluxDB and HTTP bridges",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"INDI_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "INDI server as host[:port]",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "INDI server port",
				Value:   indi.DefaultPort,
			},
			&cli.IntFlag{
				Name:    "http-port",
				Usage:   "Port of the status server",
				Value:   8090,
				EnvVars: []string{"INDI_HTTP_PORT"},
			},
			&cli.StringFlag{
				Name:  "replay",
				Usage: "Parse a recorded INDI session instead of connecting",
			},
			&cli.BoolFlag{
				Name:  "simulator",
				Usage: "Serve the built-in dome simulator",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
