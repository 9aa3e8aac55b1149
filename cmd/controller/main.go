package main

import (
	"context"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"openlcs/controller/internal/api"
	"openlcs/controller/internal/config"
	"openlcs/controller/internal/controller"
	"openlcs/controller/internal/params"
)

const (
	exitUsage       = 64
	exitOSFile      = 72
	exitUnavailable = 69
)

func main() {
	log.Println("[Controller] Starting OpenLCS Controller...")

	cfg := config.Load()
	log.Printf("[Controller] Configuration loaded: ID=%s, DevicePort=%d", cfg.ControllerID, cfg.DevicePort)

	targets, err := parseTargets(cfg.Targets, cfg.DevicePort)
	if err != nil {
		log.Printf("[Controller] Invalid TARGETS: %v", err)
		os.Exit(exitUsage)
	}

	pstore := params.Empty()
	if cfg.ParamFile != "" {
		pstore, err = params.Load(cfg.ParamFile)
		if err != nil {
			log.Printf("[Controller] Failed to load parameter data: %v", err)
			os.Exit(exitOSFile)
		}
		log.Printf("[Controller] Loaded %d parameter descriptors", pstore.Len())
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
		DB:   0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("[Controller] Failed to connect to Redis: %v", err)
		os.Exit(exitUnavailable)
	}
	log.Println("[Controller] Connected to Redis")
	defer redisClient.Close()

	// Connect to NATS
	natsConn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		log.Printf("[Controller] Failed to connect to NATS: %v", err)
		os.Exit(exitUnavailable)
	}
	log.Println("[Controller] Connected to NATS")
	defer natsConn.Close()

	hub := api.NewHub(natsConn)
	go hub.Run()

	ctrl := controller.New(cfg, natsConn, redisClient, pstore, hub.BroadcastEvent)
	log.Printf("[Controller] CID %s", ctrl.CID())
	if err := ctrl.Start(); err != nil {
		log.Printf("[Controller] Failed to start: %v", err)
		os.Exit(exitUnavailable)
	}

	if len(targets) > 0 {
		for _, addr := range targets {
			ctrl.AddAddress(addr)
		}
		log.Printf("[Controller] Tracking %d manual targets, discovery disabled", len(targets))
	} else {
		if err := ctrl.StartDiscovery(); err != nil {
			log.Printf("[Controller] Failed to start discovery: %v", err)
			os.Exit(exitUnavailable)
		}
		log.Println("[Controller] Discovery started")
	}

	srv := api.NewServer(ctrl, hub, cfg.ControllerID, cfg.HTTPPort)
	srv.Start()
	log.Printf("[Controller] HTTP API on port %d", cfg.HTTPPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[Controller] Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		ctrl.Stop()
	}()

	ctrl.Run()
	log.Println("[Controller] Stopped")
}

// parseTargets splits a comma separated host[:port] list, filling in the
// default device port where omitted.
func parseTargets(list string, defaultPort int) ([]netip.AddrPort, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var addrs []netip.AddrPort
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		addr, err := netip.ParseAddrPort(item)
		if err != nil {
			ip, ipErr := netip.ParseAddr(item)
			if ipErr != nil {
				return nil, err
			}
			addr = netip.AddrPortFrom(ip, uint16(defaultPort))
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
