// Package server assembles the Lemonade gateway: configuration, component
// construction, the routing table, and the run loop that drives the HTTP and
// websocket listeners alongside the scheduler.
package server

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	// DefaultPort is the HTTP port used when none is configured.
	DefaultPort = 8000
	// DefaultHost restricts the listeners to loopback.
	DefaultHost = "localhost"
	// DefaultContextSize is the context window handed to backends that do
	// not receive a per-model override.
	DefaultContextSize = 4096
	// DefaultImagesDir receives generated images when persistence is on and
	// no directory was configured.
	DefaultImagesDir = "./generated_images"

	// websocketPortOffset separates the realtime listener from the HTTP
	// port.
	websocketPortOffset = 100

	cacheDirEnv = "LEMONADE_CACHE_DIR"
	hfCacheEnv  = "HF_HUB_CACHE"
	hfHomeEnv   = "HF_HOME"
	hfTokenEnv  = "HF_TOKEN"
	offlineEnv  = "LEMONADE_OFFLINE"
	sdcppEnv    = "LEMONADE_SDCPP"
	// noFallbackEnv disables the CPU relaunch after a GPU llama.cpp variant
	// fails to come up.
	noFallbackEnv = "LEMONADE_LLAMACPP_NO_FALLBACK"
)

// Config carries every operator-facing knob. Zero values mean "use the
// default"; FromEnvironment fills the rest from the process environment.
type Config struct {
	// Host is the interface both listeners bind.
	Host string
	// Port is the HTTP port. The realtime websocket listener binds
	// Port+100.
	Port int
	// ContextSize is the default context window for completion backends.
	ContextSize int
	// LogLevel is one of debug, info, warning, error.
	LogLevel string

	// LlamaCppVariant pins the llama.cpp accelerator variant instead of
	// probing the host.
	LlamaCppVariant string
	// ExtraLlamaCppArgs is a raw shell string appended to every llama-server
	// invocation after splitting.
	ExtraLlamaCppArgs string
	// NoLlamaCppFallback disables the CPU relaunch after a GPU variant
	// fails.
	NoLlamaCppFallback bool

	// SDVariant pins the stable-diffusion.cpp accelerator variant.
	SDVariant string
	// SaveImages persists generated images under ImagesDir.
	SaveImages bool
	// ImagesDir is where images are kept when SaveImages is set.
	ImagesDir string

	// CacheDir roots the catalog state and installed backend binaries.
	CacheDir string
	// HFCacheDir is the Hugging Face hub cache holding model weights.
	HFCacheDir string
	// HFToken authenticates hub downloads of gated repositories.
	HFToken string
	// Offline disables all hub network access; only cached weights resolve.
	Offline bool

	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string
}

// WebsocketPort returns the port the realtime listener binds.
func (c Config) WebsocketPort() int {
	return c.Port + websocketPortOffset
}

// FromEnvironment fills unset fields from the environment and the platform
// defaults. It is called by New, so callers only set what they want to
// override.
func (c Config) FromEnvironment() (Config, error) {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ContextSize == 0 {
		c.ContextSize = DefaultContextSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SDVariant == "" {
		c.SDVariant = os.Getenv(sdcppEnv)
	}
	if c.ImagesDir == "" {
		c.ImagesDir = DefaultImagesDir
	}
	if c.HFToken == "" {
		c.HFToken = os.Getenv(hfTokenEnv)
	}
	if !c.Offline {
		c.Offline = envTruthy(os.Getenv(offlineEnv))
	}
	if !c.NoLlamaCppFallback {
		c.NoLlamaCppFallback = envTruthy(os.Getenv(noFallbackEnv))
	}

	if c.CacheDir == "" {
		c.CacheDir = os.Getenv(cacheDirEnv)
	}
	if c.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, errors.Wrap(err, "resolving cache directory")
		}
		c.CacheDir = filepath.Join(home, ".cache", "lemonade")
	}

	if c.HFCacheDir == "" {
		c.HFCacheDir = hubCacheDir()
	}
	if c.HFCacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, errors.Wrap(err, "resolving hub cache directory")
		}
		c.HFCacheDir = filepath.Join(home, ".cache", "huggingface", "hub")
	}

	return c, nil
}

// hubCacheDir resolves the Hugging Face cache from the environment, using
// the same precedence as the hub tooling: HF_HUB_CACHE wins over HF_HOME.
func hubCacheDir() string {
	if dir := os.Getenv(hfCacheEnv); dir != "" {
		return dir
	}
	if home := os.Getenv(hfHomeEnv); home != "" {
		return filepath.Join(home, "hub")
	}
	return ""
}

func envTruthy(value string) bool {
	switch value {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}
