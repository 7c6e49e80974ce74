package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"statereconciler/src/handler"
	"statereconciler/src/reconciler"
	"statereconciler/src/repository"
)

// Options carries the dependencies the operational routes need. Engine
// is optional; the reconciliation report route is only mounted when it
// is set.
type Options struct {
	Port   string
	Orders *repository.OrderRepository
	Locks  *repository.TradingLockRepository
	Engine *reconciler.Engine
}

func StartServer(opts Options) {
	// Router with middleware
	r := chi.NewRouter()

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck error")
		}
	})

	if opts.Orders != nil {
		r.Get("/orders", handler.SearchOrdersHandler(opts.Orders))
	}
	if opts.Engine != nil {
		r.Get("/reconciliation/report", handler.ReconciliationReportHandler(opts.Engine))
	}
	if opts.Locks != nil {
		r.Post("/locks/prune", handler.PruneLocksHandler(opts.Locks))
	}

	// Graceful server
	addr := ":" + opts.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
