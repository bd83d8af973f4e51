package main

import (
	"github.com/spf13/cobra"

	"github.com/nhle/admin-mailbox/internal/api"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the admin /emails API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		ctx := cmd.Context()
		if err := svc.Start(ctx); err != nil {
			// Operations reconnect on demand; only bad credentials are final.
			logger.Warn().Err(err).Msg("initial IMAP connect failed")
		}

		listen := appCfg.HTTP.ListenAddr
		if serveListen != "" {
			listen = serveListen
		}
		srv := api.NewServer(api.Config{
			ListenAddr: listen,
			AdminToken: appCfg.HTTP.AdminToken,
		}, svc, logger)

		if appCfg.HTTP.AdminToken == "" {
			logger.Warn().Msg("http.admin_token is empty; /emails is unauthenticated")
		}
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (default: http.listen_addr)")
	rootCmd.AddCommand(serveCmd)
}
