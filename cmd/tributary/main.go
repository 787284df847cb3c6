// Command tributary runs an observability data router: it loads a
// topology configuration, starts it, serves metrics, reloads on
// SIGHUP, and drains gracefully on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/components"
	"github.com/tributary-io/tributary/topology"
)

type config struct {
	Config  string `long:"config" short:"c" description:"Path to the topology configuration document" env:"TRIBUTARY_CONFIG" required:"true"`
	DataDir string `long:"data-dir" description:"Override of the configured data directory" env:"TRIBUTARY_DATA_DIR"`

	Check bool `long:"check" description:"Validate the configuration and exit"`

	Shutdown struct {
		Deadline time.Duration `long:"deadline" default:"30s" description:"How long sources may take to stop cooperatively" env:"DEADLINE"`
	} `group:"shutdown" namespace:"shutdown" env-namespace:"SHUTDOWN"`

	Metrics struct {
		Addr string `long:"addr" default:":9598" description:"Address of the Prometheus metrics listener (empty disables)" env:"ADDR"`
	} `group:"metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log struct {
		Level  string `long:"level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level" env:"LEVEL"`
		Format string `long:"format" default:"text" choice:"text" choice:"json" description:"Logging format" env:"FORMAT"`
	} `group:"log" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var cfg config
	if _, err := flags.Parse(&cfg); err != nil {
		os.Exit(1)
	}

	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	if err := run(cfg); err != nil {
		log.WithField("err", err).Fatal("exiting")
	}
}

func loadConfig(cfg config) (*topology.Config, error) {
	var loaded, err = components.LoadFile(cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir != "" {
		loaded.Globals.DataDir = cfg.DataDir
	}
	if errs := loaded.Validate(); len(errs) != 0 {
		return nil, fmt.Errorf("invalid topology: %v", errs)
	}
	return loaded, nil
}

func run(cfg config) error {
	var loaded, err = loadConfig(cfg)

	if cfg.Check {
		if err != nil {
			fmt.Printf("%s %v\n", color.RedString("error:"), err)
			os.Exit(1)
		}
		fmt.Printf("%s %s: %d sources, %d transforms, %d sinks\n",
			color.GreenString("ok:"), cfg.Config,
			len(loaded.Sources), len(loaded.Transforms), len(loaded.Sinks))
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			var mux = http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.WithFields(log.Fields{"addr": cfg.Metrics.Addr, "err": err}).
					Error("metrics listener failed")
			}
		}()
	}

	var rt *topology.RunningTopology
	if rt, err = topology.Start(loaded); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"sources":    len(loaded.Sources),
		"transforms": len(loaded.Transforms),
		"sinks":      len(loaded.Sinks),
	}).Info("topology started")

	var signals = make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		if sig != syscall.SIGHUP {
			log.WithField("signal", sig).Info("shutting down")
			break
		}

		// SIGHUP: reload the configuration in place. Unchanged
		// components keep running; a bad config keeps the old one.
		var next, lerr = loadConfig(cfg)
		if lerr != nil {
			log.WithField("err", lerr).Error("not reloading: new configuration is invalid")
			continue
		}
		if lerr = rt.Reload(next); lerr != nil {
			log.WithField("err", lerr).Error("reload failed; previous topology continues")
			continue
		}
		log.Info("topology reloaded")
	}

	rt.Stop(cfg.Shutdown.Deadline)
	log.Info("topology stopped")
	return nil
}
