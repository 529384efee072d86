package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/lanconf/hub/internal/config"
)

func TestStartAndStop(t *testing.T) {
	cfg := config.Config{
		Host:      "127.0.0.1",
		Port:      "0",
		AudioPort: "0",
		VideoPort: "0",
		UploadDir: t.TempDir(),
		LogDir:    t.TempDir(),
	}

	ctx := context.Background()
	h, err := Start(ctx, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.ControlAddr() == "" || h.AudioAddr() == "" || h.VideoAddr() == "" {
		t.Fatalf("expected every component to report a bound address")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
