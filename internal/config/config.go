// Package config resolves the hub's runtime configuration from flags with
// environment-variable fallbacks, the same getEnv pattern the teacher's
// cmd/server/main.go uses for its listen address and join path.
package config

import (
	"flag"
	"net"
	"os"
	"path/filepath"
	"runtime"
)

// Config is every setting the supervisor needs to start the hub's
// components.
type Config struct {
	Host      string
	Port      string
	AudioPort string
	VideoPort string
	UploadDir string
	LogDir    string
}

// Parse builds a Config from command-line flags, falling back to
// environment variables and finally to hardcoded defaults, in that order
// of precedence: flag > env > default.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	host := fs.String("host", getEnv("HUB_HOST", "0.0.0.0"), "listen host for every component")
	port := fs.String("port", getEnv("HUB_PORT", "9000"), "TCP port for the control channel")
	audioPort := fs.String("audio-port", getEnv("HUB_AUDIO_PORT", "11000"), "UDP port for the audio mix engine")
	videoPort := fs.String("video-port", getEnv("HUB_VIDEO_PORT", "10000"), "UDP port for the video/screen fan-out")
	uploadDir := fs.String("upload-dir", getEnv("HUB_UPLOAD_DIR", DefaultUploadDir()), "directory where completed uploads are stored")
	logDir := fs.String("log-dir", getEnv("HUB_LOG_DIR", DefaultLogDir()), "directory for chat/transfer/presentation log sinks")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		Host:      *host,
		Port:      *port,
		AudioPort: *audioPort,
		VideoPort: *videoPort,
		UploadDir: *uploadDir,
		LogDir:    *logDir,
	}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DefaultUploadDir mirrors the teacher's DefaultDBPath resolution order
// (explicit env, XDG, platform app-data dir, home fallback) but for the
// directory completed file transfers land in instead of a SQLite file.
func DefaultUploadDir() string {
	if env := os.Getenv("HUB_UPLOAD_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "lanhub", "uploads")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "LANHub", "uploads")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "LANHub", "uploads")
		}
		return filepath.Join(home, ".local", "share", "lanhub", "uploads")
	}
	return filepath.Join(".", ".lanhub", "uploads")
}

// DefaultLogDir is DefaultUploadDir's counterpart for the three append-only
// log sinks.
func DefaultLogDir() string {
	if env := os.Getenv("HUB_LOG_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "lanhub", "logs")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "LANHub", "logs")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "LANHub", "logs")
		}
		return filepath.Join(home, ".local", "share", "lanhub", "logs")
	}
	return filepath.Join(".", ".lanhub", "logs")
}

// ControlAddr, AudioAddr, VideoAddr join Host with each component's port.
func (c Config) ControlAddr() string { return net.JoinHostPort(c.Host, c.Port) }
func (c Config) AudioAddr() string   { return net.JoinHostPort(c.Host, c.AudioPort) }
func (c Config) VideoAddr() string   { return net.JoinHostPort(c.Host, c.VideoPort) }
