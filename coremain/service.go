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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/fwdns/mlog"
)

var (
	svcCfg = &service.Config{
		Name:        "fwdns",
		DisplayName: "fwdns",
		Description: "A caching DNS forwarder.",
	}
	svc service.Service
)

type serverService struct {
	f *serverFlags

	mu   sync.Mutex
	m    *FwDNS
	done chan error
}

func (ss *serverService) Start(s service.Service) error {
	mlog.L().Info("starting service", zap.String("platform", s.Platform()))
	m, err := prepareServer(ss.f)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	ss.mu.Lock()
	ss.m, ss.done = m, done
	ss.mu.Unlock()
	go func() {
		err := m.Run()
		if err != nil {
			mlog.L().Error("fwdns exited", zap.Error(err))
		}
		done <- err
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	ss.mu.Lock()
	m, done := ss.m, ss.done
	ss.mu.Unlock()
	if m == nil {
		return nil
	}
	mlog.L().Info("stopping service")
	m.Shutdown()
	return <-done
}

// initService inits the global svc for the service subcommands.
func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	var cfgPath, dir string
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install fwdns as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				dir = wd
			}
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("cannot solve the absolute path of the working dir, %w", err)
			}
			svcCfg.Arguments = []string{"start", "--as-service", "-d", absDir}
			if len(cfgPath) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", cfgPath)
			}
			if err := initService(cmd, args); err != nil {
				return err
			}
			return svc.Install()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "uninstall",
		Short:        "Uninstall fwdns from the system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "start",
		Short:        "Start the fwdns system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Start() },
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop",
		Short:        "Stop the fwdns system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Stop() },
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "restart",
		Short:        "Restart the fwdns system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Restart() },
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of the fwdns system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				if errors.Is(err, service.ErrNotInstalled) {
					fmt.Fprintln(cmd.OutOrStdout(), "not installed")
					return nil
				}
				return fmt.Errorf("cannot get service status, %w", err)
			}
			switch s {
			case service.StatusRunning:
				fmt.Fprintln(cmd.OutOrStdout(), "running")
			case service.StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "unknown")
			}
			return nil
		},
		SilenceUsage: true,
	}
}
