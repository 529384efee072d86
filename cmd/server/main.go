package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanconf/hub/internal/config"
	"github.com/lanconf/hub/internal/supervisor"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down", sig)
		cancel()
	}()

	h, err := supervisor.Start(ctx, cfg)
	if err != nil {
		log.Fatalf("start: %v", err)
	}

	log.Printf("control channel listening on %s", h.ControlAddr())
	log.Printf("audio mix engine listening on %s", h.AudioAddr())
	log.Printf("video/screen fan-out listening on %s", h.VideoAddr())

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h.Metrics())
		if err := http.ListenAndServe("127.0.0.1:7090", mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	if err := h.Wait(); err != nil {
		log.Printf("hub exited with error: %v", err)
		os.Exit(1)
	}
	log.Println("hub stopped cleanly")
}
