package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TheusHen/alicecrypto/alicecrypto/config"
	"github.com/TheusHen/alicecrypto/alicecrypto/logging"
)

var (
	configPath string
	logLevel   string
	logFile    string

	storeDriver string
	storePath   string

	cfg *config.Config
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "alicecryptod",
		Short:        "Secure chat and homomorphic aggregation server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				loaded.Log.Level = logLevel
			}
			if flags.Changed("log-file") {
				loaded.Log.File = logFile
			}
			if flags.Changed("store") {
				loaded.Store.Driver = storeDriver
			}
			if flags.Changed("store-path") {
				loaded.Store.Path = storePath
			}
			if err := logging.Configure(logrus.StandardLogger(), loaded.Log); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "mirror logs to this file (empty disables)")
	root.PersistentFlags().StringVar(&storeDriver, "store", "", "message store driver (sqlite, log, none)")
	root.PersistentFlags().StringVar(&storePath, "store-path", "", "message store path")

	root.AddCommand(serveCmd(), messagesCmd(), versionCmd())
	return root
}
