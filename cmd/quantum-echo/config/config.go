package config

import "time"

// Config is the echo demo's on-disk configuration.
type Config struct {
	Server  ServerConfig  `yaml:"Server"`
	Quantum QuantumConfig `yaml:"Quantum"`
	Log     LogConfig     `yaml:"Log"`
}

// ServerConfig is the local bind address (server mode) or the mediator's
// rendezvous address a client was introduced through (client mode,
// unused by the direct-dial demo but kept for parity with the mediated
// flow described in the spec).
type ServerConfig struct {
	Address string `yaml:"Address"`
}

// QuantumConfig carries the subset of connection tunables an operator
// might reasonably want to override in the YAML config file.
type QuantumConfig struct {
	MTU                      int           `yaml:"MTU"`
	SenderBufferSize         int64         `yaml:"SenderBufferSize"`
	ReceiverWindow           uint64        `yaml:"ReceiverWindow"`
	MaxMessageLen            int           `yaml:"MaxMessageLen"`
	ConnectionTimeout        time.Duration `yaml:"ConnectionTimeout"`
	InitialConnectionTimeout time.Duration `yaml:"InitialConnectionTimeout"`
	ConnectionWarningTimeout time.Duration `yaml:"ConnectionWarningTimeout"`
	HeartbeatFrequency       time.Duration `yaml:"HeartbeatFrequency"`
	FabricatedPacketDropRate float64       `yaml:"FabricatedPacketDropRate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
}

// DefaultConfig returns the configuration used when no config file is
// present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Address: ":9800"},
		Quantum: QuantumConfig{
			MTU:                      1200,
			SenderBufferSize:         256 * 1024,
			ReceiverWindow:           4096,
			MaxMessageLen:            16 * 1024,
			ConnectionTimeout:        10 * time.Second,
			InitialConnectionTimeout: 3 * time.Second,
			ConnectionWarningTimeout: 3 * time.Second,
			HeartbeatFrequency:       2 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}
