package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ephemeral-auth/internal/factory"
	"ephemeral-auth/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory(ctx)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      f.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	servers := []*http.Server{server}

	var challenge *http.Server
	if m := f.TLSManager(); m != nil {
		server.TLSConfig = m.Config()
		if h := m.ChallengeHandler(); h != nil {
			// ACME http-01 challenges and HTTPS redirect
			challenge = &http.Server{
				Addr:              ":80",
				Handler:           h,
				ReadHeaderTimeout: cfg.Server.ReadTimeout,
			}
			servers = append(servers, challenge)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if server.TLSConfig != nil {
			util.Info("Starting HTTPS server",
				util.String("environment", cfg.Environment),
				util.String("address", server.Addr),
			)
			err = server.ListenAndServeTLS("", "")
		} else {
			util.Warn("Starting HTTP server - TLS is disabled",
				util.String("environment", cfg.Environment),
				util.String("address", server.Addr),
			)
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if challenge != nil {
		g.Go(func() error {
			util.Info("Starting ACME challenge server on port 80")
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return f.Memory().RunSweeper(gctx, cfg.Store.SweepInterval, func(removed int) {
			util.Debug("Expired in-memory entries swept", util.Int("removed", removed))
		})
	})

	if s := f.Snapshotter(); s != nil {
		g.Go(func() error {
			return s.Run(gctx, cfg.Security.SnapshotInterval)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
	util.Info("Server shutdown completed")
}
