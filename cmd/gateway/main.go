// Command gateway runs one faculty's gateway process: the bridge between
// that faculty's program-facing request/reply surface and whichever
// broker replica is currently live.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusbroker/internal/config"
	"campusbroker/internal/datastore"
	"campusbroker/internal/gateway"
)

func main() {
	cfg := config.ParseGateway(os.Args[1:])
	logger := log.New(os.Stderr, "[gateway] ", log.LstdFlags)

	if len(cfg.BrokerAddrs) == 0 {
		log.Fatalf("[gateway] at least one --brokers endpoint is required")
	}

	store, err := datastore.OpenPostgres(context.Background(), config.DBConfigFromEnv())
	if err != nil {
		log.Fatalf("[gateway] open postgres: %v", err)
	}
	defer store.Close()

	if err := store.EnsureFaculty(context.Background(), cfg.FacultyID, cfg.FacultyName, cfg.Semester); err != nil {
		log.Fatalf("[gateway] ensure faculty: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var handler http.Handler
	switch cfg.Mode {
	case "lb":
		lb, err := gateway.NewLoadBalanced(cfg.FacultyID, cfg.FacultyName, cfg.Semester, store, cfg.BrokerAddrs, logger)
		if err != nil {
			log.Fatalf("[gateway] build load-balanced gateway: %v", err)
		}
		go lb.Run(ctx)
		handler = lb.Handler()

	default:
		link, err := gateway.NewLink(cfg.BrokerAddrs, nil, logger)
		if err != nil {
			log.Fatalf("[gateway] build link: %v", err)
		}
		gw := gateway.NewGateway(cfg.FacultyID, cfg.FacultyName, cfg.Semester, store, link, logger)
		go link.Run(ctx)
		go gw.Run(ctx)
		handler = gw.Handler()
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	go func() {
		logger.Printf("faculty %q (id=%d) listening on :%s, mode=%s, brokers=%v", cfg.FacultyName, cfg.FacultyID, cfg.Port, cfg.Mode, cfg.BrokerAddrs)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
