// The hub daemon. Serves the realtime channel and drives the devices.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/hub"
	"github.com/helto4real/go-homelab/internal/config"
	"github.com/helto4real/go-homelab/internal/driver"
	"github.com/helto4real/go-homelab/internal/logging"
	"github.com/helto4real/go-homelab/internal/store"
)

var log *logrus.Entry

func main() {
	configPath := flag.String("config", "homelab.yaml", "path to the yaml configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.JSON); err != nil {
		log.Fatal(err)
	}

	ctx := signalContext()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var drv driver.Driver
	if cfg.MQTT.Enabled {
		drv = driver.NewMQTT(driver.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			RateLimit:   cfg.MQTT.RateLimitRPS})
	} else {
		log.Warn("mqtt is disabled, commands go to the in-memory driver")
		drv = driver.NewMemory(0)
	}

	hb := hub.New(drv, st, hub.Options{
		BroadcastInterval: cfg.Hub.BroadcastInterval.Duration(),
		DiscoveryInterval: cfg.Hub.DiscoveryInterval.Duration()})
	if err := hb.Load(ctx); err != nil {
		log.Fatalf("Failed to load registry: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Hub.Listen,
		Handler:           hub.NewServer(hb, st, cfg.Hub.WSPath, cfg.Hub.SendQueue).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hb.Run(ctx)
	}()

	go func() {
		log.Infof("Listening on %s%s", cfg.Hub.Listen, cfg.Hub.WSPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Server shutdown: %v", err)
	}
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
		log.Warn("Hub did not stop in time")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warnf("Received %s", sig)
		cancel()
	}()
	return ctx
}

func init() {
	log = logrus.WithField("prefix", "homelab")
}
