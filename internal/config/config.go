package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	AdapterMemory    = "memory"
	AdapterWebsocket = "websocket"
	AdapterZMQ       = "zmq"
)

type Config struct {
	HTTPAddr     string `env:"OBSERVER_HTTP_ADDR" envDefault:":8080"`
	DataDir      string `env:"OBSERVER_DATA_DIR" envDefault:"data"`
	DBPath       string `env:"OBSERVER_DB_PATH"`
	RestartToken string `env:"OBSERVER_RESTART_TOKEN"`

	// Remote observation.
	Enabled  bool     `env:"OBSERVER_ENABLED"`
	Channels []string `env:"OBSERVER_CHANNELS" envDefault:"events"`
	Adapter  string   `env:"OBSERVER_ADAPTER" envDefault:"websocket"`
	Actions  []string `env:"OBSERVER_ACTIONS" envDefault:"upload"`
	NodeID   string   `env:"OBSERVER_NODE_ID"`
	Debug    bool     `env:"OBSERVER_DEBUG"`

	// Base URLs (http, https, ws or wss) of the other nodes.
	Peers        []string      `env:"OBSERVER_PEERS"`
	PingInterval time.Duration `env:"OBSERVER_PING_INTERVAL" envDefault:"10s"`

	ZMQBind           string        `env:"OBSERVER_ZMQ_BIND" envDefault:"tcp://*:7100"`
	ZMQPeers          []string      `env:"OBSERVER_ZMQ_PEERS"`
	HeartbeatInterval time.Duration `env:"OBSERVER_HEARTBEAT_INTERVAL" envDefault:"1s"`
	MemberTimeout     time.Duration `env:"OBSERVER_MEMBER_TIMEOUT" envDefault:"5s"`

	ServiceName  string `env:"OBSERVER_SERVICE_NAME" envDefault:"observerd"`
	OTelEndpoint string `env:"OBSERVER_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"OBSERVER_OTEL_ENABLED" envDefault:"true"`
}

// Load reads .env, when present, then the environment. Variables already
// set in the environment win over .env.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return Parse()
}

func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "observer.db")
	}
	cfg.Adapter = strings.ToLower(strings.TrimSpace(cfg.Adapter))
	switch cfg.Adapter {
	case AdapterMemory, AdapterWebsocket, AdapterZMQ:
	default:
		return Config{}, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
	cfg.Channels = compact(cfg.Channels)
	cfg.Actions = compact(cfg.Actions)
	cfg.Peers = compact(cfg.Peers)
	cfg.ZMQPeers = compact(cfg.ZMQPeers)
	return cfg, nil
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
