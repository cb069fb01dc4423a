// Command loadtest ramps up a batch of WebSocket clients against a running
// eddnws instance and reports message throughput. Adapted from
// loadtest/main.go's ramp-up/sustain/report shape, trimmed of its
// channel-subscription protocol (EDDN has no subscription filtering: every
// client receives every envelope) and its JSON health-check schema (now a
// plain ping_path GET).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type config struct {
	wsURL         string
	pingURL       string
	targetConns   int
	rampPerSecond int
	sustainFor    time.Duration
	reportEvery   time.Duration
}

type stats struct {
	connected int64
	failed    int64
	envelopes int64
}

func main() {
	cfg := parseFlags()

	if err := checkHealth(cfg.pingURL); err != nil {
		log.Fatalf("health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received, draining connections")
		cancel()
	}()

	st := &stats{}
	go reportLoop(ctx, cfg.reportEvery, st)

	rampUp(ctx, cfg, st)

	log.Printf("ramp-up complete: %d connected, %d failed", atomic.LoadInt64(&st.connected), atomic.LoadInt64(&st.failed))

	select {
	case <-time.After(cfg.sustainFor):
	case <-ctx.Done():
	}

	log.Printf("final: %d connected, %d envelopes received", atomic.LoadInt64(&st.connected), atomic.LoadInt64(&st.envelopes))
}

func parseFlags() config {
	wsURL := flag.String("url", "ws://localhost:8081/ws", "eddnws WebSocket endpoint")
	pingURL := flag.String("ping", "http://localhost:8081/ping", "eddnws ping_path URL")
	targetConns := flag.Int("connections", 100, "number of client connections to open")
	rampPerSecond := flag.Int("ramp-rate", 20, "connections opened per second")
	sustainSec := flag.Int("duration", 60, "seconds to hold connections open after ramp-up")
	reportSec := flag.Int("report-interval", 5, "seconds between progress reports")
	flag.Parse()

	return config{
		wsURL:         *wsURL,
		pingURL:       *pingURL,
		targetConns:   *targetConns,
		rampPerSecond: *rampPerSecond,
		sustainFor:    time.Duration(*sustainSec) * time.Second,
		reportEvery:   time.Duration(*reportSec) * time.Second,
	}
}

func checkHealth(pingURL string) error {
	resp, err := http.Get(pingURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping returned %d", resp.StatusCode)
	}
	return nil
}

func rampUp(ctx context.Context, cfg config, st *stats) {
	if cfg.rampPerSecond <= 0 {
		cfg.rampPerSecond = cfg.targetConns
	}
	ticker := time.NewTicker(time.Second / time.Duration(cfg.rampPerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	for i := 0; i < cfg.targetConns; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			connectAndReceive(ctx, cfg.wsURL, st)
		}()
	}
	wg.Wait()
}

func connectAndReceive(ctx context.Context, url string, st *stats) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		atomic.AddInt64(&st.failed, 1)
		return
	}
	defer conn.Close()

	atomic.AddInt64(&st.connected, 1)
	defer atomic.AddInt64(&st.connected, -1)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		atomic.AddInt64(&st.envelopes, 1)
	}
}

func reportLoop(ctx context.Context, every time.Duration, st *stats) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("connected=%d failed=%d envelopes=%d",
				atomic.LoadInt64(&st.connected),
				atomic.LoadInt64(&st.failed), atomic.LoadInt64(&st.envelopes))
		}
	}
}
