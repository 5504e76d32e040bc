package commands

import (
	"bufio"
	"io/ioutil"
	"log"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/skycoin/dgxfer/internal/metrics"
	"github.com/skycoin/dgxfer/pkg/endpoint"
	xfermetrics "github.com/skycoin/dgxfer/pkg/metrics"
	"github.com/skycoin/dgxfer/pkg/node"
)

const defaultShutdownTimeout = node.Duration(10 * time.Second)

type runCfg struct {
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	metricsAddr  string
	profileMode  string
	args         []string

	profileStop func()
	logger      *logging.Logger
	conf        *node.Config
	node        *node.Node
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "dgxfer-node [config-path]",
	Short: "Datagram transfer node: accepts circuits and echoes their buffers",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig().
			runNode().
			waitOsSignals().
			stopNode()
	},
	Version: node.Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "dgxfer", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	rootCmd.Flags().StringVarP(&cfg.metricsAddr, "metrics", "m", "", "address to bind metrics API to, overrides the config")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode: none or one of: [cpu, mem, mutex, block, trace]")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	default:
		cfg.profileStop = func() {}
		return cfg
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.logger = logging.MustGetLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			logging.AddHook(hook)
			logging.SetOutputTo(ioutil.Discard)
		}
	}
	return cfg
}

func (cfg *runCfg) readConfig() *runCfg {
	var err error
	if cfg.cfgFromStdin {
		cfg.logger.Info("Reading config from STDIN")
		cfg.conf, err = node.ReadConfig(bufio.NewReader(os.Stdin))
	} else {
		var path string
		if len(cfg.args) > 0 {
			path = cfg.args[0]
		}
		cfg.conf, err = node.LoadConfig(path)
	}
	if err != nil {
		cfg.logger.Fatalf("Failed to read config: %s", err)
	}

	if cfg.conf.LogLevel != "" {
		level, err := logging.LevelFromString(cfg.conf.LogLevel)
		if err != nil {
			cfg.logger.Fatal("Failed to parse LogLevel: ", err)
		}
		logging.SetLevel(level)
	}
	if cfg.metricsAddr != "" {
		cfg.conf.Interfaces.MetricsAddress = cfg.metricsAddr
	}
	if cfg.conf.ShutdownTimeout == 0 {
		cfg.conf.ShutdownTimeout = defaultShutdownTimeout
	}
	return cfg
}

func (cfg *runCfg) runNode() *runCfg {
	var opts []node.Option
	if addr := cfg.conf.Interfaces.MetricsAddress; addr != "" {
		opts = append(opts, node.WithMetrics(xfermetrics.NewXferMetrics(cfg.tag)))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				cfg.logger.Error("Failed to start metrics API: ", err)
			}
		}()
	}

	n, err := node.New(cfg.conf, opts...)
	if err != nil {
		cfg.logger.Fatal("Failed to initialize node: ", err)
	}
	if err := n.Start(); err != nil {
		cfg.logger.Fatal("Failed to start node: ", err)
	}
	cfg.node = n

	if addr := cfg.conf.Interfaces.HTTPAddress; addr != "" {
		var rec metrics.Recorder = metrics.NewDummy()
		if cfg.conf.Interfaces.MetricsAddress != "" {
			rec = metrics.NewPrometheus(cfg.tag)
		}
		go func() {
			cfg.logger.Infof("Serving HTTP API on %s", addr)
			if err := http.ListenAndServe(addr, node.API(n, rec)); err != nil {
				cfg.logger.Error("Failed to start HTTP API: ", err)
			}
		}()
	}
	return cfg
}

func (cfg *runCfg) stopNode() *runCfg {
	defer cfg.profileStop()
	if err := cfg.node.Close(); err != nil && err != endpoint.ErrEndpointClosed {
		cfg.logger.Fatal("Failed to close node: ", err)
	}
	return cfg
}

func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	<-ch
	go func() {
		select {
		case <-time.After(time.Duration(cfg.conf.ShutdownTimeout)):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
