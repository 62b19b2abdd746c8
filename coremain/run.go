package coremain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/lpcache/mlog"
	"github.com/pmkol/lpcache/pkg/tiered_cache"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "lpcache",
	Short: "Tiered key/value cache for the LP and admin panel.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the cache api server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	rootCmd.AddCommand(
		newStatsCmd(),
		newGetCmd(),
		newSetCmd(),
		newDelCmd(),
		newCleanupCmd(),
	)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage lpcache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcControlCmd("start", "Start lpcache system service."),
		newSvcControlCmd("stop", "Stop lpcache system service."),
		newSvcControlCmd("restart", "Restart lpcache system service."),
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

func StartServer(ctx context.Context, sf *serverFlags) error {
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

	cfg, err := loadConfigWithInclude(sf.c)
	if err != nil {
		return err
	}
	if err := RunServer(ctx, cfg); err != nil {
		return fmt.Errorf("lpcache exited, %w", err)
	}
	return nil
}

// withRegistry loads the config, opens the registry without metrics and
// background cleaners, runs f and closes the registry.
func withRegistry(cfgFile string, f func(r *Registry) error) error {
	cfg, err := loadConfigWithInclude(cfgFile)
	if err != nil {
		return err
	}
	cfg.Storage.CleanerInterval = -1
	cfg.Storage.Durable.Watch = false
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	r, err := NewRegistry(cfg, lg, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	return f(r)
}

func cacheOf(r *Registry, ns string) (*Cache, error) {
	c, ok := r.Cache(ns)
	if !ok {
		return nil, fmt.Errorf("namespace %s does not exist or has no local cache", ns)
	}
	return c, nil
}

func newStatsCmd() *cobra.Command {
	var cfgFile string
	c := &cobra.Command{
		Use:   "stats [-c config_file]",
		Short: "Print item count and size estimate per namespace.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cfgFile, func(r *Registry) error {
				st := r.Stats()
				out := make(map[string]tiered_cache.Stats, len(st))
				for _, name := range r.Names() {
					if s, ok := st[name]; ok {
						out[name] = s
					}
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(out)
			})
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}

func newGetCmd() *cobra.Command {
	var cfgFile string
	c := &cobra.Command{
		Use:   "get namespace key",
		Short: "Print a cached value.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cfgFile, func(r *Registry) error {
				c, err := cacheOf(r, args[0])
				if err != nil {
					return err
				}
				v := c.Get(args[1], nil)
				if v == nil {
					return fmt.Errorf("%s/%s not found", args[0], args[1])
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(v))
				return err
			})
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}

func newSetCmd() *cobra.Command {
	var (
		cfgFile string
		ttl     time.Duration
	)
	c := &cobra.Command{
		Use:   "set namespace key json_value",
		Short: "Write a value through to the namespace's backend.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("value is not valid json")
			}
			return withRegistry(cfgFile, func(r *Registry) error {
				c, err := cacheOf(r, args[0])
				if err != nil {
					return err
				}
				c.Set(args[1], Payload(args[2]), tiered_cache.SetOpts{TTL: ttl, Persistent: true})
				return nil
			})
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	c.Flags().DurationVar(&ttl, "ttl", 0, "lifetime, default is the namespace default ttl")
	return c
}

func newDelCmd() *cobra.Command {
	var cfgFile string
	c := &cobra.Command{
		Use:   "del namespace [key]",
		Short: "Delete a key, or the whole namespace if key is omitted.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cfgFile, func(r *Registry) error {
				c, err := cacheOf(r, args[0])
				if err != nil {
					return err
				}
				if len(args) == 1 {
					c.Clear()
				} else {
					c.Delete(args[1])
				}
				return nil
			})
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}

func newCleanupCmd() *cobra.Command {
	var cfgFile string
	c := &cobra.Command{
		Use:   "cleanup [-c config_file]",
		Short: "Remove expired and corrupt records of every namespace.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cfgFile, func(r *Registry) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", r.Cleanup())
				return err
			})
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}
