// Package cli wires configuration, the worker pool and the supervisor into
// the soundscan command.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd builds the command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	root := &cobra.Command{
		Use:           "soundscan",
		Short:         "Find sound events in audio files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default config/$CONFIG_ENV/soundscan.yaml, then ./soundscan.yaml)")

	root.AddCommand(newScanCmd(v, &cfgFile), newWorkerCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(level, format string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(out)
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
