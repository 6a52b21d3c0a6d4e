package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.elastic.co/ecszap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/felix-lessoer/telegraf-autodiscovery/config"
	"github.com/felix-lessoer/telegraf-autodiscovery/discovery"
)

// Name of this tool
var Name = "telegraf-autodiscovery"

var (
	cfgFile    string
	inPath     string
	outPath    string
	interval   int
	continuous bool
	endpoints  []string
	prune      bool
	logLevel   string
)

// RootCmd to handle the cli
var RootCmd = &cobra.Command{
	Use:          Name,
	Short:        "Discovers OPC UA variable nodes and keeps a Telegraf configuration in sync",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := RootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "path to the service settings file (yaml)")
	f.StringVar(&inPath, "input", "", "source Telegraf config to seed/merge from")
	f.StringVar(&outPath, "output", "", "destination Telegraf config, written atomically")
	f.IntVar(&interval, "interval", 0, "seconds between discovery cycles, -1 for a single run")
	f.BoolVar(&continuous, "continuous", false, "repeat discovery on the configured interval")
	f.StringSliceVar(&endpoints, "endpoint", nil, "OPC UA endpoint URL to monitor (repeatable)")
	f.BoolVar(&prune, "prune-stale", false, "remove entries for nodes that disappeared from the server")
	f.StringVar(&logLevel, "loglevel", "", "log level (debug, info, warn, error)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger()
	defer logger.Sync()
	log := logger.Sugar()

	bus := discovery.NewBus()
	defer bus.Close()
	go discovery.LogEvents(log, bus.Subscribe(256))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("%v is running! Hit CTRL-C to stop it.", Name)
	return discovery.NewController(cfg, bus, log).Run(ctx)
}

// applyFlags lets explicit command line flags win over file and environment
// settings.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("input") {
		cfg.TelegrafConfigIn = inPath
	}
	if f.Changed("output") {
		cfg.TelegrafConfigOut = outPath
	}
	if f.Changed("interval") {
		cfg.PollingInterval = interval
		cfg.Continuous = interval > 0
	}
	if f.Changed("continuous") {
		cfg.Continuous = continuous
	}
	if f.Changed("endpoint") {
		cfg.Endpoints = endpoints
	}
	if f.Changed("prune-stale") {
		cfg.PruneStale = prune
	}
}

func newLogger() *zap.Logger {
	level := zapcore.InfoLevel
	raw := logLevel
	if raw == "" {
		raw = os.Getenv("LOGLEVEL")
	}
	if raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	encoderConfig := ecszap.NewDefaultEncoderConfig()
	core := ecszap.NewCore(encoderConfig, os.Stderr, level)
	return zap.New(core, zap.AddCaller())
}
