package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaunagostinho/serialgps/internal/cache"
	"github.com/shaunagostinho/serialgps/internal/config"
	"github.com/shaunagostinho/serialgps/internal/conn"
	"github.com/shaunagostinho/serialgps/internal/debuglog"
	"github.com/shaunagostinho/serialgps/internal/gps"
	"github.com/shaunagostinho/serialgps/internal/port"
	"github.com/shaunagostinho/serialgps/internal/server"
	"github.com/shaunagostinho/serialgps/internal/sink"
	"github.com/shaunagostinho/serialgps/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated receiver")
	udpAddr := flag.String("udp", "", "Listen for NMEA datagrams on this address instead of a serial port (e.g. :10110)")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Verbose logging")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	testPort := flag.String("test-port", "", "Check a serial port for NMEA output and exit")
	baud := flag.Int("baud", 0, "Baud rate for -test-port (defaults to the configured rate)")
	detectBaud := flag.String("detect-baud", "", "Find the baud rate of a serial port and exit")
	writeConfig := flag.Bool("write-config", false, "Write the effective config to -config and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg := config.LoadConfig(*configPath)
	if *demo {
		cfg.GPS.Mode = config.ModeDemo
	}
	if *udpAddr != "" {
		cfg.GPS.Mode = config.ModeUDP
		cfg.GPS.UDPAddr = *udpAddr
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *debug {
		cfg.Debug = true
	}
	debuglog.SetEnabled(cfg.Debug)

	// One-shot port tools run without a live connection to guard.
	switch {
	case *listPorts:
		ports, err := port.List()
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	case *testPort != "":
		rate := *baud
		if rate <= 0 {
			rate = cfg.GPS.BaudRate
		}
		if !port.NewProber(nil).Test(context.Background(), *testPort, rate) {
			fmt.Printf("%s: no NMEA at %d baud\n", *testPort, rate)
			os.Exit(1)
		}
		fmt.Printf("%s: NMEA at %d baud\n", *testPort, rate)
		return
	case *detectBaud != "":
		rate, ok := port.NewProber(nil).DetectBaudRate(context.Background(), *detectBaud)
		if !ok {
			fmt.Printf("%s: no NMEA at any baud rate\n", *detectBaud)
			os.Exit(1)
		}
		fmt.Println(rate)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}
	if *writeConfig {
		if err := cfg.Save(); err != nil {
			log.Fatalf("[main] write config: %v", err)
		}
		log.Printf("[main] config written to %s", cfg.Path())
		return
	}

	log.Println("[main] serialgps starting")

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	srv := server.New(cfg, web.FS)
	sinks := sink.Multi{srv}

	// Created even when disabled so /api/recorder can switch it on.
	rec := sink.NewRecorder(cfg.Recorder)
	defer rec.Close()
	sinks = append(sinks, rec)
	srv.SetRecorder(rec)
	if cfg.MQTT.Enabled {
		m, err := sink.NewMQTT(cfg.MQTT)
		if err != nil {
			// The dashboard still works without the broker.
			log.Printf("[main] mqtt disabled: %v", err)
		} else {
			defer m.Close()
			sinks = append(sinks, m)
		}
	}

	var src conn.Source
	switch cfg.GPS.Mode {
	case config.ModeUDP:
		src = conn.UDPSource{Addr: cfg.GPS.UDPAddr}
	case config.ModeDemo:
		src = gps.DemoSource{}
	default:
		src = conn.SerialSource{Path: cfg.GPS.PortPath, BaudRate: cfg.GPS.BaudRate}
	}

	pub := gps.NewPublisher(sinks, cache.New(cfg.Debounce.MaxAge))
	mgr := conn.NewManager(src, pub, conn.Config{
		ReconnectDelay: cfg.GPS.ReconnectDelay,
		MaxPending:     cfg.GPS.MaxPending,
	})
	srv.Attach(mgr, port.NewProber(mgr))

	mgrDone := make(chan struct{})
	go func() {
		defer close(mgrDone)
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[main] %s: %v", src.Name(), err)
		}
	}()

	// Server works immediately even while the receiver is still connecting
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}
	<-mgrDone
}
