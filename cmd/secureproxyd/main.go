// Command secureproxyd runs the proxy core against a TUN file descriptor
// the host has already provisioned (address/route/DNS setup is out of
// scope, per spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/proxycore-io/secureproxy/config"
	"github.com/proxycore-io/secureproxy/engine"
	"github.com/proxycore-io/secureproxy/internal/logging"
	"github.com/proxycore-io/secureproxy/supervisor"
)

func main() {
	var configFilename string
	flag.StringVar(&configFilename, "config", "", "proxy configuration file (JSON)")

	var tunFD int
	flag.IntVar(&tunFD, "tunFD", -1, "host-provided TUN file descriptor, opened non-blocking")

	var poolSize int
	flag.IntVar(&poolSize, "poolSize", 0, "idle session pool capacity (0 keeps the config file's pool_size)")

	flag.Parse()

	logger := logging.NewDefaultLogger()

	if configFilename == "" {
		fmt.Fprintln(os.Stderr, "secureproxyd: -config is required")
		os.Exit(1)
	}
	if tunFD < 0 {
		fmt.Fprintln(os.Stderr, "secureproxyd: -tunFD is required")
		os.Exit(1)
	}

	proxyCfg, err := loadConfig(configFilename)
	if err != nil {
		logger.WithContextFields(logging.Fields{"error": err}).Error("secureproxy: config load failed")
		os.Exit(1)
	}
	if poolSize > 0 {
		proxyCfg.PoolSize = poolSize
	}

	sessionCfg, err := proxyCfg.SessionConfig()
	if err != nil {
		logger.WithContextFields(logging.Fields{"error": err}).Error("secureproxy: config invalid")
		os.Exit(1)
	}

	sv := supervisor.New(supervisor.Config{
		Session:  sessionCfg,
		Engine:   proxyCfg.EngineConfig(),
		PoolSize: proxyCfg.PoolSize,
	}, logger)

	tun := newFdTun(tunFD)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx, tun); err != nil {
		logger.WithContextFields(logging.Fields{"error": err}).Error("secureproxy: start failed")
		os.Exit(1)
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM)

	running := true
	for running {
		select {
		case <-stopSignal:
			logger.WithContext().Info("secureproxy: shutdown by signal")
			running = false
		case state := <-sv.Status():
			if state == supervisor.StateError {
				logger.WithContext().Error("secureproxy: engine collapsed")
				running = false
			}
		}
	}

	sv.Stop()
}

func loadConfig(filename string) (config.ProxyConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return config.ProxyConfig{}, err
	}

	cfg := config.Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return config.ProxyConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.ProxyConfig{}, err
	}
	return cfg, nil
}

// fdTun adapts a raw file descriptor to engine.TunDevice, translating the
// EAGAIN a non-blocking descriptor returns on an empty read into the
// engine's (0, nil) empty-read contract.
type fdTun struct {
	f *os.File
}

func newFdTun(fd int) *fdTun {
	return &fdTun{f: os.NewFile(uintptr(fd), "tun")}
}

func (t *fdTun) Read(p []byte) (int, error) {
	n, err := t.f.Read(p)
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return 0, nil
	}
	return n, err
}

func (t *fdTun) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

func (t *fdTun) Close() error {
	return t.f.Close()
}

var _ engine.TunDevice = (*fdTun)(nil)
