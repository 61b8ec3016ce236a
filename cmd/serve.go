package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"followup-mailer/handlers"
	"followup-mailer/metrics"
	"followup-mailer/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("port", "", "port to listen on (PORT)")
	serveCmd.Flags().String("static-dir", "", "directory served at / (STATIC_DIR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterDBStats(store.DB())

	log := logrus.StandardLogger()
	mailer, err := services.NewMailService(cfg, services.WithMailLogger(log))
	if err != nil {
		return err
	}
	if !mailer.Configured() {
		log.Warn("[MAIL] MAILHUB is not set, /api/send-email is disabled")
	}

	resolver := services.NewColumnResolver(cfg.Location)
	router := handlers.NewRouter(handlers.Deps{
		Store:      store,
		Scheduler:  services.NewScheduler(store, resolver, cfg.Location, log),
		Calendar:   services.NewCalendar(store, cfg.Location, log),
		Resolver:   resolver,
		Mailer:     mailer,
		Location:   cfg.Location,
		DailyLimit: cfg.DailyMailLimit,
		Log:        log,
		StaticDir:  v.GetString("STATIC_DIR"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("[HTTP] Server starting on port %s (timezone %s)", cfg.Port, cfg.Location)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("[HTTP] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
