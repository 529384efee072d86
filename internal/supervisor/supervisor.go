// Package supervisor wires every component (Session Registry, Control
// Channel Server, Chat & Presence Engine, File Transfer Broker, Audio Mix
// Engine, Video/Screen Fan-out) into one running hub and manages their
// startup and shutdown order. It generalizes the teacher's ServerHandle
// (internal/app/server.go: Addr/Stop/Wait over a single http.Server) to a
// handle over six components instead of one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lanconf/hub/internal/audio"
	"github.com/lanconf/hub/internal/chat"
	"github.com/lanconf/hub/internal/config"
	"github.com/lanconf/hub/internal/control"
	"github.com/lanconf/hub/internal/metrics"
	"github.com/lanconf/hub/internal/registry"
	"github.com/lanconf/hub/internal/transfer"
	"github.com/lanconf/hub/internal/video"
)

// shutdownBudget bounds how long each subsystem gets to stop before the
// supervisor gives up and moves to the next one.
const shutdownBudget = 5 * time.Second

// Handle is a running hub: every component plus the logging sinks backing
// them, along with the metrics registry they all increment into.
type Handle struct {
	cfg config.Config

	registry *registry.Registry
	chat     *chat.Engine
	broker   *transfer.Broker
	control  *control.Server
	audio    *audio.Engine
	video    *video.Engine
	metrics  *metrics.Registry

	chatLogFile     *os.File
	transferLogFile *os.File
	presentLogFile  *os.File

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ControlAddr, AudioAddr and VideoAddr expose each bound network address
// once Start has returned, for
// tests and for logging the effective listen addresses (useful when the
// configured port was 0).
func (h *Handle) ControlAddr() string { return h.control.Addr().String() }
func (h *Handle) AudioAddr() string   { return h.audio.Addr().String() }
func (h *Handle) VideoAddr() string   { return h.video.Addr().String() }

// Metrics exposes the shared counter registry, e.g. to mount it on a debug
// HTTP server in main.
func (h *Handle) Metrics() *metrics.Registry { return h.metrics }

// Start brings up every component in dependency order: registry and chat
// engine first (pure in-memory, nothing to bind), then the transfer broker
// (needs the upload dir), then the three network-facing components
// (control, audio, video). It returns once the audio and video sockets are
// bound and the control listener has had 50ms to bind or fail; each
// component's serve loop continues in the background until ctx is
// canceled or Stop is called.
func Start(ctx context.Context, cfg config.Config) (*Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cfg: cfg, metrics: metrics.New(), cancel: cancel, done: make(chan struct{})}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create log dir: %w", err)
	}
	chatLog, chatLogFile, err := openLogSink(cfg.LogDir, "chat_history.log")
	if err != nil {
		return nil, err
	}
	transferLog, transferLogFile, err := openLogSink(cfg.LogDir, "file_transfers.log")
	if err != nil {
		_ = chatLogFile.Close()
		return nil, err
	}
	presentLog, presentLogFile, err := openLogSink(cfg.LogDir, "screen_sharing.log")
	if err != nil {
		_ = chatLogFile.Close()
		_ = transferLogFile.Close()
		return nil, err
	}
	h.chatLogFile, h.transferLogFile, h.presentLogFile = chatLogFile, transferLogFile, presentLogFile

	h.registry = registry.New()
	h.chat = chat.New()

	// The broker's onAvailable callback needs to reach the control server
	// to broadcast file_available, but the control server's constructor
	// needs the broker. Break the cycle with a forward reference captured
	// by the closure; it is only ever invoked after Start has assigned
	// h.control below.
	broker, err := transfer.New(cfg.UploadDir, func(o *transfer.Offer) {
		h.metrics.IncFileUploadComplete()
		if h.control != nil {
			h.control.BroadcastFileAvailable(o.FID, o.Filename, o.Size, o.OffererUID)
		}
	})
	if err != nil {
		return nil, err
	}
	h.broker = broker
	h.broker.SetOnFailed(func(*transfer.Offer) { h.metrics.IncFileUploadFailed() })

	h.control = control.New(cfg.ControlAddr(), h.registry, h.chat, h.broker, chatLog, transferLog, presentLog)
	h.control.SetMetrics(h.metrics)

	codec := audio.PCM16Codec{}
	audioEngine, err := audio.NewEngine(cfg.AudioAddr(), codec, codec, func(uid uint64, active bool) {
		h.chat.SetAudioActive(uid, active)
		h.metrics.SetAudioSenderActive(active)
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: start audio engine: %w", err)
	}
	audioEngine.SetMetrics(h.metrics)
	h.audio = audioEngine

	videoEngine, err := video.NewEngine(cfg.VideoAddr(), func(uid uint64, kind video.StreamKind, active bool) {
		h.chat.SetVideoActive(uid, active)
		h.metrics.SetVideoSenderActive(active)
	})
	if err != nil {
		_ = h.audio.Close()
		return nil, fmt.Errorf("supervisor: start video engine: %w", err)
	}
	videoEngine.SetMetrics(h.metrics)
	h.video = videoEngine

	go h.audio.Run()
	go h.video.Run()

	controlErrCh := make(chan error, 1)
	go func() {
		controlErrCh <- h.control.ListenAndServe(runCtx)
	}()

	// Give ListenAndServe a beat to either bind or fail before returning
	// control to the caller, the same synchronous-bind-then-background-serve
	// shape as the teacher's RunServer/handle.serve split.
	select {
	case err := <-controlErrCh:
		cancel()
		h.shutdownComponents()
		return nil, fmt.Errorf("supervisor: control server exited early: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	go func() {
		defer close(h.done)
		select {
		case err := <-controlErrCh:
			h.err = err
		case <-runCtx.Done():
		}
		cancel()
		h.shutdownComponents()
	}()

	return h, nil
}

func openLogSink(dir, name string) (*log.Logger, *os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: open %s: %w", name, err)
	}
	return log.New(f, "", log.LstdFlags|log.LUTC), f, nil
}

// Stop requests shutdown and waits for every component to settle, bounded
// by ctx's deadline.
func (h *Handle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.err
}

// Wait blocks until the hub has fully stopped.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// shutdownComponents tears down the network-facing components in reverse
// startup order, giving each shutdownBudget to finish, then closes the log
// sinks.
func (h *Handle) shutdownComponents() {
	closeWithBudget("video engine", h.video.Close)
	closeWithBudget("audio engine", h.audio.Close)
	closeLogSink("chat log", h.chatLogFile)
	closeLogSink("transfer log", h.transferLogFile)
	closeLogSink("presentation log", h.presentLogFile)
}

func closeWithBudget(name string, closeFn func() error) {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		if err != nil {
			log.Printf("supervisor: close %s: %v", name, err)
		}
	case <-time.After(shutdownBudget):
		log.Printf("supervisor: close %s: exceeded %s shutdown budget", name, shutdownBudget)
	}
}

func closeLogSink(name string, f io.Closer) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("supervisor: close %s: %v", name, err)
	}
}
