package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TheusHen/alicecrypto/alicecrypto"
)

// serve: run until SIGINT or SIGTERM.
func serveCmd() *cobra.Command {
	var (
		listen     string
		quicListen string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("quic-listen") {
				cfg.QUICListen = quicListen
			}

			srv, err := alicecrypto.NewServer(cfg)
			if err != nil {
				return err
			}
			defer srv.Close()

			if err := srv.Listen(); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function":    "serve",
				"http":        srv.HTTPAddr(),
				"quic":        srv.QUICAddr(),
				"store":       cfg.Store.Driver,
				"rehandshake": cfg.Session.Rehandshake,
				"suite":       cfg.Crypto.Suite,
			}).Info("Server started")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP/WebSocket listen address (default 0.0.0.0:8080)")
	cmd.Flags().StringVar(&quicListen, "quic-listen", "", "QUIC listen address (empty disables)")
	return cmd
}
