// Package main runs a relay node: websocket protocol endpoints, an
// operational status API and federated forwarding to peer relays.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veilchat-node/pkg/api"
	"github.com/veilchat/veilchat-node/pkg/network"
	"github.com/veilchat/veilchat-node/pkg/storage"
)

const (
	defaultPort   = 8443
	defaultDBPath = "./data/relay.db"
)

var (
	port             = flag.Int("port", defaultPort, "HTTP/websocket listen port")
	dbPath           = flag.String("db", defaultDBPath, "SQLite database path")
	redisAddr        = flag.String("redis", "", "Redis address for shared registration state (optional)")
	peerList         = flag.String("peers", "", "Comma-separated peer relay websocket URLs")
	retryInterval    = flag.Duration("retry-interval", time.Minute, "Pause between forward retry sweeps")
	maxRetryWindow   = flag.Duration("max-retry-window", 24*time.Hour, "How long to retry a forward before abandoning it")
	lowPreKeyThresh  = flag.Int("low-prekey-threshold", 10, "One-time prekey count that triggers a refill push")
	preKeyTarget     = flag.Int("prekey-target", 100, "One-time prekey pool size devices are asked to refill to")
	authTimeout      = flag.Duration("auth-timeout", time.Minute, "How long a connection may stay unauthenticated before being closed")
	allowAuthAnonOps = flag.Bool("allow-auth-anon-ops", false, "Permit prekey requests and sends on authenticated connections")
	logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.NewEntry(logrus.StandardLogger())

	db, err := storage.OpenDB(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	// Registrations can live in Redis when several relays share state;
	// the forward queue stays node-local either way.
	var store storage.Store = db
	if *redisAddr != "" {
		rs, err := storage.NewRedis(*redisAddr, "", 0)
		if err != nil {
			log.WithError(err).Fatal("connect redis")
		}
		defer rs.Close()
		store = rs
		log.WithField("addr", *redisAddr).Info("using redis registration store")
	}

	var peers []string
	if *peerList != "" {
		for _, p := range strings.Split(*peerList, ",") {
			if p = strings.TrimSpace(p); p != "" {
				peers = append(peers, p)
			}
		}
	}

	cfg := network.Config{
		AllowAuthenticatedAnonymousOps: *allowAuthAnonOps,
		LowPreKeyThreshold:             *lowPreKeyThresh,
		PreKeyTarget:                   *preKeyTarget,
		AuthTimeout:                    *authTimeout,
		Forwarding: network.ForwardingConfig{
			RetryInterval:  *retryInterval,
			MaxRetryWindow: *maxRetryWindow,
		},
	}

	links := network.NewPeerLinks(log)
	defer links.Close()
	resolver := network.NewHashResolver(peers)

	relay := network.NewRelayServer(store, db, resolver, links, cfg, log)
	if err := relay.Start(); err != nil {
		log.WithError(err).Fatal("start relay")
	}
	defer relay.Stop()

	apiCfg := api.DefaultConfig()
	apiCfg.Port = *port
	srv := api.NewServer(relay, apiCfg, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.WithFields(logrus.Fields{
		"port":  *port,
		"peers": len(peers),
	}).Info("relay node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}
