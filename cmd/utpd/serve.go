package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/utpmesh/utpd/api"
	"github.com/utpmesh/utpd/config"
	"github.com/utpmesh/utpd/discovery"
	"github.com/utpmesh/utpd/logging"
	"github.com/utpmesh/utpd/overlay/quic"
	"github.com/utpmesh/utpd/overlay/udp"
	"github.com/utpmesh/utpd/storage"
	"github.com/utpmesh/utpd/tunbridge"
	"github.com/utpmesh/utpd/utp"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <config-path>",
		Short: "run the uTP daemon from a YAML config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(args[0])
		},
	}
}

// carrier is what every overlay package (udp, quic) implements; the
// daemon only depends on this, not a concrete transport.
type carrier interface {
	utp.FrameSender
	AddPeer(peer utp.PeerID, addr string) error
	SetFrameHandler(func(peer utp.PeerID, raw []byte))
	Serve() error
	Close() error
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New("utpd", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("utpd: construct logger: %w", err)
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received", nil)
		cancel()
	}()

	var ovl carrier
	switch cfg.Overlay.Kind {
	case "udp":
		privateKey, err := loadOrGenerateUDPKey(cfg.Overlay.PrivateKeyPath)
		if err != nil {
			return err
		}
		o, pub, err := udp.Listen(cfg.Overlay.ListenAddr, privateKey)
		if err != nil {
			return fmt.Errorf("utpd: start udp overlay: %w", err)
		}
		logger.Info("udp overlay listening", logging.Fields{"addr": cfg.Overlay.ListenAddr, "peer_id": fmt.Sprintf("%x", pub)})
		ovl = o
	case "quic":
		o, err := quic.Listen(cfg.Overlay.ListenAddr)
		if err != nil {
			return fmt.Errorf("utpd: start quic overlay: %w", err)
		}
		logger.Info("quic overlay listening", logging.Fields{"addr": cfg.Overlay.ListenAddr})
		ovl = o
	default:
		return fmt.Errorf("utpd: unknown overlay kind %q", cfg.Overlay.Kind)
	}
	defer ovl.Close()

	dir, err := discovery.NewRedisDirectory(ctx, discovery.RedisConfig{
		Addr:     cfg.Discovery.RedisAddr,
		Password: cfg.Discovery.RedisPassword,
		DB:       cfg.Discovery.RedisDB,
		TTL:      cfg.Discovery.TTL,
	})
	if err != nil {
		return fmt.Errorf("utpd: connect discovery: %w", err)
	}
	defer dir.Close()

	ledger, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		logger.Warn("storage unavailable, completed streams will not be recorded", logging.Fields{"error": err.Error()})
		ledger = nil
	} else {
		defer ledger.Close()
	}

	sender := &directorySender{carrier: ovl, dir: dir, known: make(map[utp.PeerID]bool)}
	engine := utp.New(sender, utp.SystemClock{}, utp.WithLogger(engineLogger{logger}))
	ovl.SetFrameHandler(engine.OnFrameReceived)

	var bridge *tunbridge.Bridge
	if cfg.Tunbridge.Enabled {
		b, err := tunbridge.Open(cfg.Tunbridge.DeviceName, engine)
		if err != nil {
			return fmt.Errorf("utpd: open tun bridge: %w", err)
		}
		defer b.Close()
		bridge = b
	}

	engine.SetStreamCompleteHandler(func(peer utp.PeerID, data []byte) {
		if ledger != nil {
			if err := ledger.RecordStream(storage.StreamRecord{Peer: peer, ByteLength: int64(len(data)), CompletedAt: time.Now()}); err != nil {
				logger.Warn("failed to record completed stream", logging.Fields{"error": err.Error()})
			}
		}
		if bridge != nil {
			bridge.OnStreamComplete(peer, data)
		}
	})

	apiServer := api.NewServer(engine)

	var wg sync.WaitGroup
	runAndLog := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				logger.Error(name+" exited", logging.Fields{"error": err.Error()})
				cancel()
			}
		}()
	}

	runAndLog("engine", func() error { return engine.Run(ctx) })
	runAndLog("overlay", ovl.Serve)
	runAndLog("api", func() error { return apiServer.Serve(ctx, cfg.API.ListenAddr) })
	if bridge != nil {
		runAndLog("tunbridge", bridge.Serve)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// directorySender adapts a carrier + discovery.Directory into
// utp.FrameSender, resolving and registering a peer's current
// endpoint on first send rather than requiring it be preconfigured.
type directorySender struct {
	carrier carrier
	dir     discovery.Directory

	mu    sync.Mutex
	known map[utp.PeerID]bool
}

func (s *directorySender) SendFrame(peer utp.PeerID, frame []byte) error {
	if err := s.ensureRegistered(peer); err != nil {
		return err
	}
	return s.carrier.SendFrame(peer, frame)
}

func (s *directorySender) ensureRegistered(peer utp.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[peer] {
		return nil
	}

	endpoint, err := s.dir.Resolve(context.Background(), peer)
	if err != nil {
		return fmt.Errorf("utpd: resolve peer: %w", err)
	}
	if err := s.carrier.AddPeer(peer, endpoint.Addr); err != nil {
		return fmt.Errorf("utpd: register peer: %w", err)
	}
	s.known[peer] = true
	return nil
}

// loadOrGenerateUDPKey reads a 32-byte private scalar from path, or
// generates and persists a fresh one if path doesn't exist yet, so a
// restarted daemon keeps the same peer id. An empty path yields a fresh
// key that is not persisted.
func loadOrGenerateUDPKey(path string) ([32]byte, error) {
	if path == "" {
		return udp.GeneratePrivateKey()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return [32]byte{}, fmt.Errorf("utpd: private key file %s is %d bytes, want 32", path, len(data))
		}
		var key [32]byte
		copy(key[:], data)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return [32]byte{}, fmt.Errorf("utpd: read private key %s: %w", path, err)
	}

	key, err := udp.GeneratePrivateKey()
	if err != nil {
		return key, err
	}
	if err := os.WriteFile(path, key[:], 0600); err != nil {
		return key, fmt.Errorf("utpd: persist private key %s: %w", path, err)
	}
	return key, nil
}

// engineLogger adapts *logging.Logger to utp.Logger.
type engineLogger struct {
	l *logging.Logger
}

func (e engineLogger) Debug(msg string, fields map[string]interface{}) { e.l.Debug(msg, fields) }
func (e engineLogger) Info(msg string, fields map[string]interface{})  { e.l.Info(msg, fields) }
func (e engineLogger) Warn(msg string, fields map[string]interface{})  { e.l.Warn(msg, fields) }
func (e engineLogger) Error(msg string, fields map[string]interface{}) { e.l.Error(msg, fields) }
