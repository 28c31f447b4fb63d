package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	httpapi "vehicle-monitor/internal/http"
)

func newOAuthCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Sign in with Google through the browser",
		Long: "Start the loopback callback receiver and wait for the service's OAuth redirect.\n" +
			"The service must redirect to http://<callback.addr>/callback.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}

			handler := httpapi.NewHandler(a.auth, a.cfg, a.log)
			srv := httpapi.NewServer(a.cfg, httpapi.NewRouter(a.cfg, handler, a.log))

			ln, err := net.Listen("tcp", a.cfg.Callback.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", a.cfg.Callback.Addr, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error().Err(err).Msg("callback receiver stopped")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			cmd.Printf("Open http://%s/login in your browser to continue.\n", ln.Addr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			select {
			case out := <-handler.Outcomes():
				if out.Err != nil {
					return userError(out.Err)
				}
				cmd.Printf("Logged in as %s\n", describe(out.Identity))
				return nil
			case <-ctx.Done():
				return errors.New("gave up waiting for the OAuth callback")
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the callback (0 waits forever)")
	return cmd
}
