package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/toolink/admission/internal/server"
	"github.com/toolink/admission/lifecycle"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP admission sidecar",
		Long: `Starts an HTTP server that answers admission questions and follows
policy changes announced by other replicas.

Endpoints:
  GET    /v1/check    Decide one request (user_id, ip, role_id, endpoint, cost)
  GET    /v1/status   Bucket status of an identity
  DELETE /v1/limits   Reset every bucket of an identity
  GET    /v1/authz    Forward-auth for a proxy (X-User-ID, X-Forwarded-Uri)
  GET    /healthz     Health check`,
		Example: `  admission serve
  admission serve --addr :9090 --store-backend memory
  POLICY_FILE=policies.json admission serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withRuntime(ctx, g, func(rt *runtime) error {
				if err := rt.seed(ctx); err != nil {
					return err
				}
				if err := rt.watch(ctx); err != nil {
					return err
				}

				if addr == "" {
					addr = rt.cfg.Server.Addr
				}
				srv := server.New(addr, rt.engine, server.Options{
					FailureMode: rt.cfg.Admission.FailureMode,
					Ping:        rt.ping,
				})

				errCh := make(chan error, 1)
				err := rt.life.Register(lifecycle.Hook{
					ID: "http",
					OnStart: func(context.Context) error {
						go func() {
							errCh <- srv.Start()
						}()
						return nil
					},
					OnStop: srv.Shutdown,
				})
				if err != nil {
					return err
				}
				if err := rt.life.Start(ctx); err != nil {
					return err
				}

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
					log.Info().Msg("shutting down")
					return nil
				}
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (HTTP_ADDR)")
	return cmd
}
