package coremain

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/churchfleet/fleetcache/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	noWatch   bool
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "fleetcache",
	Short: "A caching front proxy for the vehicle admin web app.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the fleetcache proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.noWatch, "no-watch", false, "do not reload the worker section on config file changes")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	var out string
	genCmd := &cobra.Command{
		Use:   "gen-config [-o file]",
		Short: "Print a default config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if len(out) > 0 {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return writeDefaultConfig(w)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	genCmd.Flags().StringVarP(&out, "output", "o", "", "output file, default is stdout")
	rootCmd.AddCommand(genCmd)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage fleetcache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(sf *serverFlags) error {
	return startServer(sf, nil)
}

// startServer runs until SIGINT, SIGTERM or a fatal error. onStart, if not
// nil, receives the running instance.
func startServer(sf *serverFlags, onStart func(m *Fleetcache)) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	v, err := newViper(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	mlog.L().Info("config loaded", zap.String("file", v.ConfigFileUsed()))

	m, err := NewFleetcache(cfg)
	if err != nil {
		return fmt.Errorf("failed to init fleetcache, %w", err)
	}
	if !sf.noWatch {
		watchConfig(v, m)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)
	go func() {
		select {
		case sig := <-sigC:
			m.logger.Info("signal received", zap.Stringer("signal", sig))
			m.sc.SendCloseSignal(nil)
		case <-m.sc.ReceiveCloseSignal():
		}
	}()

	if onStart != nil {
		onStart(m)
	}
	if err := m.Run(); err != nil {
		return fmt.Errorf("fleetcache exited, %w", err)
	}
	return nil
}

// newViper reads a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func newViper(filePath string) (*viper.Viper, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return v, nil
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// loadConfig reads and decodes a config file.
func loadConfig(filePath string) (*Config, string, error) {
	v, err := newViper(filePath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// watchConfig reloads the worker section whenever the config file is
// written. A broken file is logged and ignored.
func watchConfig(v *viper.Viper, m *Fleetcache) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		m.logger.Info("config file changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
		cfg, err := decodeConfig(v)
		if err != nil {
			m.logger.Error("invalid config, ignored", zap.Error(err))
			return
		}
		if err := cfg.Init(); err != nil {
			m.logger.Error("invalid config, ignored", zap.Error(err))
			return
		}
		m.ReloadConfig(cfg)
	})
	v.WatchConfig()
}

func writeDefaultConfig(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(DefaultConfig()); err != nil {
		return err
	}
	return enc.Close()
}
