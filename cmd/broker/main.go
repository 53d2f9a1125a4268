// Command broker runs one replica of the allocation broker, driven by a
// binary-star controller that decides whether this replica's allocation
// endpoint is bound.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"campusbroker/internal/binarystar"
	"campusbroker/internal/broker"
	"campusbroker/internal/config"
	"campusbroker/internal/datastore"
	"campusbroker/internal/heartbeat"
)

func main() {
	cfg := config.ParseBroker(os.Args[1:])
	logger := log.New(os.Stderr, "[broker] ", log.LstdFlags)

	store, err := datastore.OpenPostgres(context.Background(), config.DBConfigFromEnv())
	if err != nil {
		log.Fatalf("[broker] open postgres: %v", err)
	}
	defer store.Close()

	if err := store.SeedInventory(context.Background(), cfg.Semester); err != nil {
		log.Fatalf("[broker] seed inventory: %v", err)
	}

	hbAddr, err := config.DerivedHBAddr(cfg.Addr)
	if err != nil {
		log.Fatalf("[broker] derive heartbeat addr from %q: %v", cfg.Addr, err)
	}

	bus := heartbeat.NewBus()
	mux := http.NewServeMux()
	mux.HandleFunc("/hb", bus.Handler())
	hbLn, err := net.Listen("tcp", hbAddr)
	if err != nil {
		log.Fatalf("[broker] listen heartbeat %s: %v", hbAddr, err)
	}
	hbSrv := &http.Server{Handler: mux}
	go func() {
		if err := hbSrv.Serve(hbLn); err != nil && err != http.ErrServerClosed {
			logger.Printf("heartbeat server: %v", err)
		}
	}()

	var peerObserver *heartbeat.Observer
	if cfg.Peer != "" {
		peerRouterAddr := net.JoinHostPort(cfg.Peer, routerPort(cfg.Addr))
		peerHBAddr, err := config.DerivedHBAddr(peerRouterAddr)
		if err != nil {
			log.Fatalf("[broker] derive peer heartbeat addr: %v", err)
		}
		peerObserver = heartbeat.NewObserver("ws://" + peerHBAddr + "/hb")
	} else {
		peerObserver = heartbeat.NewObserver("ws://unused.invalid/hb")
	}

	core := broker.NewCore(cfg.Addr, store, logger)
	hostname, _ := os.Hostname()

	ctrl := &binarystar.Controller{
		Role:       binarystar.Role(cfg.Role),
		Host:       hostname,
		Peer:       peerObserver,
		Store:      store,
		Activate:   core.Activate,
		Deactivate: core.Deactivate,
		Log:        logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go bus.Run(ctx)
	go peerObserver.Run(ctx)

	logger.Printf("starting role=%s addr=%s hb=%s peer=%q semester=%s", cfg.Role, cfg.Addr, hbAddr, cfg.Peer, cfg.Semester)
	ctrl.Run(ctx)

	logger.Printf("shutting down")
	hbLn.Close()
}

// routerPort extracts the port component of a host:port address. --peer
// carries only a host or ip, so the peer is assumed to listen on the
// same allocation port as this replica.
func routerPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "5555"
	}
	return port
}
