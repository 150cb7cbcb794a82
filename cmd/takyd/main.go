// Command takyd runs the taky CoT server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tkuester/taky"
	"github.com/tkuester/taky/config"
	"github.com/tkuester/taky/server"
)

var logLevels = map[string]logrus.Level{
	"debug":    logrus.DebugLevel,
	"info":     logrus.InfoLevel,
	"warning":  logrus.WarnLevel,
	"error":    logrus.ErrorLevel,
	"critical": logrus.FatalLevel,
}

func main() {
	var (
		cfgPath string
		level   string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:           "takyd",
		Short:         "taky CoT server",
		Version:       taky.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, ok := logLevels[level]
			if !ok {
				return fmt.Errorf("unknown log level %q", level)
			}
			if debug {
				base = logrus.DebugLevel
			}
			logrus.SetLevel(base)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			if err := srv.SockSetup(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
			go func() {
				for sig := range sigCh {
					if sig == syscall.SIGUSR1 {
						// Toggle debug logging on a running server.
						if logrus.GetLevel() == logrus.DebugLevel {
							logrus.SetLevel(base)
						} else {
							logrus.SetLevel(logrus.DebugLevel)
						}
						logrus.WithField("level", logrus.GetLevel()).Info("log level changed")
						continue
					}
					srv.Shutdown()
					return
				}
			}()

			logrus.WithField("version", taky.Version).Info("taky starting")
			srv.Serve()
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "configuration file")
	cmd.Flags().StringVarP(&level, "log-level", "l", "info", "log level (debug, info, warning, error, critical)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "log at debug level")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Error("startup failed")
		os.Exit(1)
	}
}
