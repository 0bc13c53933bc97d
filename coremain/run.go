/*
 * Copyright (C) 2020-2026, pmkol
 *
 * This file is part of fwdns.
 *
 * fwdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * fwdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/miekg/dns"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/fwdns/mlog"
	"github.com/pmkol/fwdns/pkg/dnsutils"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var (
	version = "dev"

	rootCmd = &cobra.Command{
		Use:   "fwdns",
		Short: "A caching DNS forwarder.",
	}
)

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start fwdns main program.",
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
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage fwdns as a system service.",
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

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config file tools.",
	}
	configCmd.AddCommand(newConfigDumpCmd())
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(newLookupCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
}

func SetVersion(v string) {
	version = v
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(sf *serverFlags) error {
	m, err := prepareServer(sf)
	if err != nil {
		return err
	}
	if err := m.Run(); err != nil {
		return fmt.Errorf("fwdns exited, %w", err)
	}
	return nil
}

// prepareServer loads the config, builds a FwDNS and watches the config
// file for changes.
func prepareServer(sf *serverFlags) (*FwDNS, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, v, err := loadConfig(sf.c)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	if err := mergeInclude(cfg, 0, []string{v.ConfigFileUsed()}); err != nil {
		return nil, fmt.Errorf("failed to load sub config file, %w", err)
	}

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger, %w", err)
	}
	mlog.ReplaceL(lg)

	m, err := NewFwDNS(cfg, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init fwdns, %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		lg.Info("config file changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
		newCfg, err := decodeConfig(v)
		if err == nil {
			err = mergeInclude(newCfg, 0, []string{v.ConfigFileUsed()})
		}
		if err == nil {
			err = m.Reload(newCfg)
		}
		if err != nil {
			lg.Error("failed to reload config, keeping the running config", zap.Error(err))
		}
	})
	v.WatchConfig()
	return m, nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
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

// mergeInclude prepends the upstreams and allowed clients of included
// files to cfg. Other fields of included files are ignored.
func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	includedCfg := new(Config)
	for _, subCfgFile := range cfg.Include {
		subPaths := append(paths, subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}

		includedCfg.Upstreams = append(includedCfg.Upstreams, subCfg.Upstreams...)
		includedCfg.AllowedClients = append(includedCfg.AllowedClients, subCfg.AllowedClients...)
	}

	cfg.Upstreams = append(includedCfg.Upstreams, cfg.Upstreams...)
	cfg.AllowedClients = append(includedCfg.AllowedClients, cfg.AllowedClients...)
	return nil
}

func newConfigDumpCmd() *cobra.Command {
	var cfgPath string
	c := &cobra.Command{
		Use:   "dump [-c config_file]",
		Short: "Print the effective config with defaults filled in.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, v, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := mergeInclude(cfg, 0, []string{v.ConfigFileUsed()}); err != nil {
				return err
			}
			if _, err := cfg.Snapshot(); err != nil {
				return err
			}
			cfg.Include = nil
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	return c
}

type lookupFlags struct {
	c       string
	server  string
	timeout time.Duration
	verbose bool
}

func newLookupCmd() *cobra.Command {
	lf := new(lookupFlags)
	c := &cobra.Command{
		Use:   "lookup [-c config_file] [--server addr] domain [type]",
		Short: "Resolve a domain through the configured upstreams or a running server.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qtype := dns.TypeA
			if len(args) == 2 {
				t, ok := dnsutils.StringToQtype(args[1])
				if !ok {
					return fmt.Errorf("invalid query type %s", args[1])
				}
				qtype = t
			}
			if len(lf.server) > 0 {
				return lookupServer(cmd, lf, args[0], qtype)
			}
			return lookupLocal(cmd, lf, args[0], qtype)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringVarP(&lf.c, "config", "c", "", "config file")
	fs.StringVar(&lf.server, "server", "", "query a running server at this address instead")
	fs.DurationVar(&lf.timeout, "timeout", 5*time.Second, "query timeout")
	fs.BoolVarP(&lf.verbose, "verbose", "v", false, "print the full response")
	return c
}

func lookupServer(cmd *cobra.Command, lf *lookupFlags, domain string, qtype uint16) error {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(domain), qtype)
	c := &dns.Client{Net: "udp", Timeout: lf.timeout}
	r, rtt, err := c.Exchange(q, lf.server)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %v\n", dnsutils.NormalizeName(domain), dnsutils.QtypeToString(qtype), dnsutils.RcodeToString(r.Rcode), rtt)
	for _, a := range dnsutils.AnswerAddrs(r) {
		fmt.Fprintln(cmd.OutOrStdout(), a)
	}
	if lf.verbose {
		fmt.Fprintln(cmd.OutOrStdout(), r.String())
	}
	return nil
}

func lookupLocal(cmd *cobra.Command, lf *lookupFlags, domain string, qtype uint16) error {
	cfg, v, err := loadConfig(lf.c)
	if err != nil {
		return err
	}
	if err := mergeInclude(cfg, 0, []string{v.ConfigFileUsed()}); err != nil {
		return err
	}
	cfg.QueryLog = QueryLogConfig{}
	cfg.API = APIConfig{}

	lg, err := mlog.NewLogger(&mlog.LogConfig{Level: "warn"})
	if err != nil {
		return err
	}
	m, err := NewFwDNS(cfg, lg)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), lf.timeout)
	defer cancel()
	res, err := m.Resolver().Lookup(ctx, domain, qtype)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s ttl=%d %v\n", res.Domain, res.Qtype, res.Rcode, res.TTL, res.Elapsed)
	for _, a := range res.Addrs {
		fmt.Fprintln(cmd.OutOrStdout(), a)
	}
	if lf.verbose && res.Msg != nil {
		fmt.Fprintln(cmd.OutOrStdout(), res.Msg.String())
	}
	return nil
}
