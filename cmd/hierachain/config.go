package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/node"
)

// Config is the full configuration of one replica process.
type Config struct {
	NodeID string
	Nodes  []string
	F      int

	CheckpointInterval uint64
	ViewChangeTimeout  time.Duration
	WatermarkWindow    uint64
	BufferEarlyVotes   bool

	TickInterval  time.Duration
	MaxPending    int
	PendingTTL    time.Duration
	VerifyWorkers int

	Host  string
	Port  int
	Peers map[string]string

	Seed       string
	SeedFile   string
	PublicKeys map[string]string

	GRPCAddr    string
	ArrowAddr   string
	MetricsAddr string
	AuthEnabled bool
	AuthToken   string

	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "node-0")
	v.SetDefault("cluster.f", 1)

	v.SetDefault("consensus.checkpoint_interval", 100)
	v.SetDefault("consensus.view_change_timeout", "10s")
	v.SetDefault("consensus.watermark_window", 200)
	v.SetDefault("consensus.buffer_early_votes", true)
	v.SetDefault("consensus.tick_interval", "100ms")
	v.SetDefault("consensus.max_pending", 10000)
	v.SetDefault("consensus.pending_ttl", "5m")
	v.SetDefault("consensus.verify_workers", 4)

	v.SetDefault("network.host", "0.0.0.0")
	v.SetDefault("network.port", 5555)

	v.SetDefault("api.grpc_addr", ":50051")
	v.SetDefault("api.arrow_addr", ":50052")
	v.SetDefault("api.metrics_addr", ":9090")
	v.SetDefault("api.auth_enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// loadConfig reads path (any format viper understands) and HIE_*
// environment variables. An empty path uses defaults and environment only.
// Map keys such as peer IDs are lower-cased by viper.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api.auth_enabled", "HIE_AUTH_ENABLED")
	_ = v.BindEnv("api.auth_token", "HIE_AUTH_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		NodeID: v.GetString("node.id"),
		Nodes:  v.GetStringSlice("cluster.nodes"),
		F:      v.GetInt("cluster.f"),

		CheckpointInterval: v.GetUint64("consensus.checkpoint_interval"),
		ViewChangeTimeout:  v.GetDuration("consensus.view_change_timeout"),
		WatermarkWindow:    v.GetUint64("consensus.watermark_window"),
		BufferEarlyVotes:   v.GetBool("consensus.buffer_early_votes"),
		TickInterval:       v.GetDuration("consensus.tick_interval"),
		MaxPending:         v.GetInt("consensus.max_pending"),
		PendingTTL:         v.GetDuration("consensus.pending_ttl"),
		VerifyWorkers:      v.GetInt("consensus.verify_workers"),

		Host:  v.GetString("network.host"),
		Port:  v.GetInt("network.port"),
		Peers: v.GetStringMapString("network.peers"),

		Seed:       v.GetString("keys.seed"),
		SeedFile:   v.GetString("keys.seed_file"),
		PublicKeys: v.GetStringMapString("keys.peers"),

		GRPCAddr:    v.GetString("api.grpc_addr"),
		ArrowAddr:   v.GetString("api.arrow_addr"),
		MetricsAddr: v.GetString("api.metrics_addr"),
		AuthEnabled: v.GetBool("api.auth_enabled"),
		AuthToken:   v.GetString("api.auth_token"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("cluster.nodes is required")
	}
	if err := checkKeyStrings(v); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkKeyStrings rejects key material YAML decoded as something other than
// a string. An unquoted all-digit hex value becomes a number and would not
// survive the round trip back to hex.
func checkKeyStrings(v *viper.Viper) error {
	if raw := v.Get("keys.seed"); raw != nil {
		if _, ok := raw.(string); !ok {
			return fmt.Errorf("%w: keys.seed must be a quoted string, got %T", consensus.ErrInvalidKey, raw)
		}
	}
	peers, ok := v.Get("keys.peers").(map[string]any)
	if !ok {
		return nil
	}
	for id, raw := range peers {
		if _, ok := raw.(string); !ok {
			return fmt.Errorf("%w: keys.peers.%s must be a quoted string, got %T", consensus.ErrInvalidKey, id, raw)
		}
	}
	return nil
}

// NodeConfig maps the process configuration onto the replica's.
func (c *Config) NodeConfig() node.Config {
	cfg := node.DefaultConfig(c.NodeID, c.Nodes)
	cfg.Consensus.F = c.F
	cfg.Consensus.CheckpointInterval = c.CheckpointInterval
	cfg.Consensus.ViewChangeTimeout = c.ViewChangeTimeout
	cfg.Consensus.WatermarkWindow = c.WatermarkWindow
	cfg.Consensus.BufferEarlyVotes = c.BufferEarlyVotes
	cfg.TickInterval = c.TickInterval
	cfg.MaxPending = c.MaxPending
	cfg.PendingTTL = c.PendingTTL
	cfg.VerifyWorkers = c.VerifyWorkers
	return cfg
}

// PeerAddresses returns the transport addresses of the other replicas.
func (c *Config) PeerAddresses() map[string]string {
	peers := make(map[string]string, len(c.Peers))
	for id, addr := range c.Peers {
		if id == c.NodeID {
			continue
		}
		if !strings.Contains(addr, "://") {
			addr = "tcp://" + addr
		}
		peers[id] = addr
	}
	return peers
}

// LoadKeys builds this replica's keypair and the cluster key registry.
func (c *Config) LoadKeys() (*consensus.KeyPair, *consensus.KeyRegistry, error) {
	seedHex := strings.TrimSpace(c.Seed)
	if seedHex == "" && c.SeedFile != "" {
		raw, err := os.ReadFile(c.SeedFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read seed file: %w", err)
		}
		seedHex = strings.TrimSpace(string(raw))
	}
	if seedHex == "" {
		return nil, nil, fmt.Errorf("%w: keys.seed or keys.seed_file is required", consensus.ErrMissingKeys)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: seed is not hex: %v", consensus.ErrInvalidKey, err)
	}
	keys, err := consensus.KeyPairFromSeed(seed)
	if err != nil {
		return nil, nil, err
	}

	registry := consensus.NewKeyRegistry()
	for _, id := range c.Nodes {
		if id == c.NodeID {
			if err := registry.Register(id, keys.PublicKey()); err != nil {
				return nil, nil, err
			}
			continue
		}
		pubHex, ok := c.PublicKeys[strings.ToLower(id)]
		if !ok {
			return nil, nil, fmt.Errorf("%w: no public key for %s", consensus.ErrMissingKeys, id)
		}
		pub, err := hex.DecodeString(strings.TrimSpace(pubHex))
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("%w: public key of %s", consensus.ErrInvalidKey, id)
		}
		if err := registry.Register(id, ed25519.PublicKey(pub)); err != nil {
			return nil, nil, err
		}
	}
	return keys, registry, nil
}

// newLogger builds the process logger from the log.* settings.
func newLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}
