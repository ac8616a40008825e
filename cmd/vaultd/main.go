// cmd/vaultd is the main entrypoint for a single vault node.
//
// Configuration is flag-driven so one binary can serve any node in the
// group, matching the teacher's cmd/server: a node id, a listen address,
// a chunk-store directory, a comma-separated peer list, and the close
// group size used throughout the quorum/refresh math.
//
// Example — three-node group:
//
//	./vaultd --id <hex32> --addr :8080 --chunk-root /var/vaultd/n1 \
//	         --peers <hex32>=localhost:8081,<hex32>=localhost:8082 --group-size 3
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultd/internal/chunkstore"
	"vaultd/internal/config"
	"vaultd/internal/datamanager"
	"vaultd/internal/metrics"
	"vaultd/internal/overlay"
	"vaultd/internal/transport"
)

func main() {
	idFlag := flag.String("id", "", "this node's 32-byte hex identity (required)")
	addr := flag.String("addr", ":8080", "listen address (host:port)")
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	chunkRoot := flag.String("chunk-root", "", "chunk store directory (overrides config)")
	maxCapacity := flag.Uint64("max-capacity", 0, "chunk store capacity in bytes (overrides config, 0 = use config/default)")
	peersFlag := flag.String("peers", "", "comma-separated peer list: hex32=host:port")
	groupSize := flag.Int("group-size", 3, "close group size (G in the quorum formula)")
	flag.Parse()

	if *idFlag == "" {
		log.Fatal("FATAL: --id is required")
	}
	self, err := overlay.PeerIDFromHex(*idFlag)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("FATAL: load config: %v", err)
		}
		cfg = loaded
	}
	if *chunkRoot != "" {
		cfg.ChunkStoreRoot = *chunkRoot
	}
	if *maxCapacity != 0 {
		cfg.MaxCapacity = *maxCapacity
	}

	store, err := chunkstore.New(cfg.ChunkStoreRoot, cfg.MaxCapacity)
	if err != nil {
		log.Fatalf("FATAL: open chunk store: %v", err)
	}
	defer store.Close()

	addressBook := overlay.NewStaticAddressBook(nil)
	var peers []overlay.PeerID
	if *peersFlag != "" {
		for _, entry := range strings.Split(*peersFlag, ",") {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				log.Fatalf("FATAL: invalid peer entry %q: expected hex32=host:port", entry)
			}
			peer, err := overlay.PeerIDFromHex(parts[0])
			if err != nil {
				log.Fatalf("FATAL: %v", err)
			}
			peers = append(peers, peer)
			addressBook.Set(peer, parts[1])
		}
	}
	addressBook.Set(self, *addr)
	members := overlay.NewMembership(self, peers)

	logger := log.New(os.Stdout, "", log.LstdFlags)
	httpRouting := overlay.NewHTTPRoutingAdapter(self, members, addressBook, *groupSize, logger)
	waiter := transport.NewClientWaiter()
	routing := transport.WrapClientRouting(httpRouting, waiter)

	engine := datamanager.NewEngine(self, store, routing, members, overlay.SystemClock{}, logger, *groupSize)
	loop := datamanager.NewEventLoop(256)
	go loop.Run()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(transport.Logger(logger), transport.Recovery(logger))

	handler := transport.NewHandler(engine, loop, members, self, *groupSize, waiter)
	handler.Register(router)

	collector := metrics.NewCollector(engine.Counters(), store, loop)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": self.String(), "status": "ok", "nodes": len(members.All())})
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("vaultd %s listening on %s (group size %d)", self, *addr, *groupSize)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			loop.Submit(engine.CheckTimeouts)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down vaultd %s", self)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	loop.Stop()
}
