// Package main is a tiny client/server demo for the quantum transport:
// the server echoes back whatever it receives on the reliable-ordered
// channel, and the client sends a handful of messages and prints the
// echoes. It doubles as a smoke test for container+connection+iodgram
// wiring end to end, including the optional FEC layer.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/aetherflow/quantum/cmd/quantum-echo/config"
	"github.com/aetherflow/quantum/internal/quantum/connection"
	"github.com/aetherflow/quantum/internal/quantum/container"
	"github.com/aetherflow/quantum/internal/quantum/fec"
	"github.com/aetherflow/quantum/internal/quantum/iodgram"
	"github.com/aetherflow/quantum/internal/quantum/metrics"
	"github.com/aetherflow/quantum/internal/quantum/protocol"
	"github.com/aetherflow/quantum/internal/quantum/timerhost"
)

var (
	mode       = flag.String("mode", "server", "server or client")
	configFile = flag.String("f", "configs/echo.yaml", "config file path")
	remote     = flag.String("remote", "127.0.0.1:9800", "client: server address to dial")
	fecEnabled = flag.Bool("fec", false, "wrap every datagram in Reed-Solomon FEC shards")
)

var echoChannel = protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	containerCfg := buildContainerConfig(cfg, logger)

	switch *mode {
	case "server":
		runServer(cfg, containerCfg, logger)
	case "client":
		runClient(containerCfg, logger)
	default:
		logger.Fatal("unknown mode, want server or client", zap.String("mode", *mode))
	}
}

func buildContainerConfig(cfg *config.Config, logger *zap.Logger) container.Config {
	m := metrics.New("quantum", "echo")
	cc := container.Config{
		Connection: connection.Config{
			MTU:              cfg.Quantum.MTU,
			SenderBufferSize: cfg.Quantum.SenderBufferSize,
			ReceiverWindow:   cfg.Quantum.ReceiverWindow,
			MaxMessageLen:    cfg.Quantum.MaxMessageLen,
		},
		ConnectionTimeout:        cfg.Quantum.ConnectionTimeout,
		InitialConnectionTimeout: cfg.Quantum.InitialConnectionTimeout,
		ConnectionWarningTimeout: cfg.Quantum.ConnectionWarningTimeout,
		HeartbeatFrequency:       cfg.Quantum.HeartbeatFrequency,
		FabricatedPacketDropRate: cfg.Quantum.FabricatedPacketDropRate,
		Metrics:                  m,
		Logger:                   logger,
	}
	if *fecEnabled {
		cc.FEC = fec.DefaultConfig()
	}
	return cc
}

// echoObserver prints every inbound message and, on a server-side
// connection, echoes it straight back.
type echoObserver struct {
	logger *zap.Logger
	echo   func([]byte)
}

func (o *echoObserver) OnMessage(ch protocol.Channel, data []byte) {
	o.logger.Info("received message", zap.String("data", string(data)))
	if o.echo != nil {
		o.echo(data)
	}
}
func (o *echoObserver) OnPacketLoss(ch protocol.Channel, n uint64) {
	o.logger.Warn("packet loss reported", zap.Uint64("count", n))
}
func (o *echoObserver) OnConnectionLost()     { o.logger.Warn("connection liveness lost") }
func (o *echoObserver) OnConnectionRegained() { o.logger.Info("connection liveness regained") }
func (o *echoObserver) OnDisconnect(reason connection.DisconnectReason) {
	o.logger.Info("disconnected", zap.Stringer("reason", reason))
}
func (o *echoObserver) OnConnectionOpened(err error) {
	if err != nil {
		o.logger.Error("connection failed to open", zap.Error(err))
		return
	}
	o.logger.Info("connection opened")
}

func runServer(cfg *config.Config, containerCfg container.Config, logger *zap.Logger) {
	socket, err := iodgram.Listen(cfg.Server.Address)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}
	defer socket.Close()

	host := timerhost.NewRealHost()
	logger.Info("quantum-echo server listening", zap.String("address", cfg.Server.Address))

	var mu sync.Mutex
	conns := make(map[string]*container.Container)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			return
		case dg, ok := <-socket.Datagrams():
			if !ok {
				return
			}
			mu.Lock()
			key := dg.RemoteAddr.String()
			c, exists := conns[key]
			if !exists {
				peerInitialSN, ok := peekSynSequenceNumber(dg.Data)
				if !ok {
					mu.Unlock()
					continue
				}
				remoteAddr := dg.RemoteAddr
				observer := &echoObserver{logger: logger.With(zap.String("peer", key))}
				c = container.NewServer(socket, remoteAddr, observer, containerCfg, host, ourInitialSN(), peerInitialSN)
				observer.echo = func(data []byte) {
					if err := c.Send(time.Now(), data, echoChannel); err != nil {
						logger.Error("failed to echo message", zap.Error(err))
					}
				}
				conns[key] = c
			}
			mu.Unlock()
			c.HandleDatagram(dg)
		}
	}
}

func runClient(containerCfg container.Config, logger *zap.Logger) {
	socket, err := iodgram.Dial(*remote)
	if err != nil {
		logger.Fatal("failed to dial", zap.Error(err))
	}
	defer socket.Close()

	host := timerhost.NewRealHost()
	remoteAddr, err := net.ResolveUDPAddr("udp", *remote)
	if err != nil {
		logger.Fatal("failed to resolve remote address", zap.Error(err))
	}

	observer := &echoObserver{logger: logger}
	c, err := container.NewClient(socket, remoteAddr, observer, containerCfg, host, ourInitialSN(), time.Now())
	if err != nil {
		logger.Fatal("failed to dial connection", zap.Error(err))
	}

	go func() {
		for dg := range socket.Datagrams() {
			c.HandleDatagram(dg)
		}
	}()

	messages := []string{
		"hello, quantum",
		"this is a reliability smoke test",
		"quantum protocol echo demo",
	}
	for _, msg := range messages {
		time.Sleep(200 * time.Millisecond)
		if err := c.Send(time.Now(), []byte(msg), echoChannel); err != nil {
			logger.Error("failed to send message", zap.Error(err))
			continue
		}
		logger.Info("sent message", zap.String("data", msg))
	}

	time.Sleep(2 * time.Second)
	c.ForceClose(connection.ThisHostClosed)
	logger.Info("client demo complete")
}

func ourInitialSN() uint64 { return rand.Uint64() }

// peekSynSequenceNumber reads the initial sequence number out of an
// inbound SYN without constructing a connection — the server needs it
// before it can build one.
func peekSynSequenceNumber(data []byte) (uint64, bool) {
	_, n, err := protocol.UnmarshalPacketHeader(data)
	if err != nil {
		return 0, false
	}
	mh, err := protocol.UnmarshalMessageHeader(data[n:])
	if err != nil {
		return 0, false
	}
	if !mh.Flags.Has(protocol.FlagSYN) || mh.Flags.Has(protocol.FlagRST) {
		return 0, false
	}
	return uint64(mh.SequenceNumber), true
}

func loadConfig(filename string) (*config.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	cfg := config.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
