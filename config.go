package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml"
)

// daemonConfig is one entry in the daemons[] list: a coin daemon the pool
// talks JSON-RPC to. The first entry supplies the primary RPC URL and
// credentials (see applyDefaults); the other entries are not used.
type daemonConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type coinConfig struct {
	Name             string `toml:"name"`
	Symbol           string `toml:"symbol"`
	Algorithm        string `toml:"algorithm"`
	ASICBoost        bool   `toml:"asicboost"`
	Reward           string `toml:"reward"` // "POW" or "POS"
	TxMessages       bool   `toml:"txMessages"`
	PeerMagic        string `toml:"peerMagic"`
	PeerMagicTestnet string `toml:"peerMagicTestnet"`
	HasGetInfo       bool   `toml:"hasGetInfo"`
}

type varDiffPortConfig struct {
	MinDiff         float64 `toml:"minDiff"`
	MaxDiff         float64 `toml:"maxDiff"`
	TargetTime      float64 `toml:"targetTime"`
	RetargetTime    float64 `toml:"retargetTime"`
	VariancePercent float64 `toml:"variancePercent"`
	X2Mode          bool    `toml:"x2mode"`
}

type portConfig struct {
	Diff    float64            `toml:"diff"`
	VarDiff *varDiffPortConfig `toml:"varDiff"`
}

type p2pConfig struct {
	Enabled             bool   `toml:"enabled"`
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	DisableTransactions bool   `toml:"disableTransactions"`
}

type banningConfig struct {
	Enabled        bool    `toml:"enabled"`
	Time           int     `toml:"time"` // seconds a ban lasts
	InvalidPercent float64 `toml:"invalidPercent"`
	CheckThreshold int     `toml:"checkThreshold"`
	PurgeInterval  int     `toml:"purgeInterval"` // seconds between ban-table sweeps
}

// Config is the recognized configuration surface: coin.*, address,
// rewardRecipients, ports, daemons[], p2p.*, banning.*, connectionTimeout,
// blockRefreshInterval, jobRebroadcastTimeout, versionMask, instanceId,
// tcpProxyProtocol, emitInvalidBlockHashes, and the vardiff mode, plus the
// RPC primary-credential fields config_rpc.go resolves at startup. The
// vardiff mode is read from the top-level key varDiffMode, not from a
// nested varDiff table, and no component reads its value.
type Config struct {
	Coin             coinConfig            `toml:"coin"`
	Address          string                `toml:"address"`
	RewardRecipients map[string]float64    `toml:"rewardRecipients"`
	Ports            map[string]portConfig `toml:"ports"`
	Daemons          []daemonConfig        `toml:"daemons"`
	P2P              p2pConfig             `toml:"p2p"`
	Banning          banningConfig         `toml:"banning"`

	ConnectionTimeout     int `toml:"connectionTimeout"`
	BlockRefreshInterval  int `toml:"blockRefreshInterval"`
	JobRebroadcastTimeout int `toml:"jobRebroadcastTimeout"`

	VersionMask            string `toml:"versionMask"`
	InstanceID             uint32 `toml:"instanceId"`
	TCPProxyProtocol       bool   `toml:"tcpProxyProtocol"`
	EmitInvalidBlockHashes bool   `toml:"emitInvalidBlockHashes"`

	VarDiffMode string `toml:"varDiffMode"`

	// MaxConnections caps concurrent Stratum sessions per listening port.
	// Zero or negative means unlimited.
	MaxConnections int `toml:"maxConnections"`

	// RPC primary-daemon credential overrides. When empty, these are
	// filled in from Daemons[0] and/or cookie autodetection at startup.
	RPCURL         string `toml:"rpcUrl"`
	RPCUser        string `toml:"rpcUser"`
	RPCPass        string `toml:"rpcPass"`
	RPCCookiePath  string `toml:"rpcCookiePath"`
	AllowPublicRPC bool   `toml:"allowPublicRpc"`
	DataDir        string `toml:"dataDir"`

	rpcCookieWatch bool
}

func loadConfig(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Coin.Algorithm == "" {
		c.Coin.Algorithm = "sha256"
	}
	if c.Coin.Reward == "" {
		c.Coin.Reward = "POW"
	}
	if strings.TrimSpace(c.VersionMask) == "" {
		c.VersionMask = "3fffe000"
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 600
	}
	if c.BlockRefreshInterval <= 0 {
		c.BlockRefreshInterval = 1000
	}
	if c.JobRebroadcastTimeout <= 0 {
		c.JobRebroadcastTimeout = 55
	}
	if c.Banning.PurgeInterval <= 0 {
		c.Banning.PurgeInterval = 300
	}
	if c.VarDiffMode == "" {
		c.VarDiffMode = "fast"
	}
	if len(c.Daemons) > 0 {
		primary := c.Daemons[0]
		if c.RPCURL == "" {
			c.RPCURL = fmt.Sprintf("http://%s:%d", primary.Host, primary.Port)
		}
		if c.RPCUser == "" {
			c.RPCUser = primary.User
		}
		if c.RPCPass == "" {
			c.RPCPass = primary.Password
		}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("config: address is required")
	}
	if len(c.Daemons) == 0 {
		return fmt.Errorf("config: at least one daemon is required")
	}
	if strings.ToLower(c.Coin.Algorithm) != "sha256" {
		return fmt.Errorf("config: unsupported algorithm %q", c.Coin.Algorithm)
	}
	if len(c.Ports) == 0 {
		return fmt.Errorf("config: at least one stratum port is required")
	}
	return nil
}

func (c *Config) connectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

func (c *Config) blockRefreshIntervalDuration() time.Duration {
	return time.Duration(c.BlockRefreshInterval) * time.Millisecond
}

func (c *Config) jobRebroadcastTimeoutDuration() time.Duration {
	return time.Duration(c.JobRebroadcastTimeout) * time.Second
}

// parsedVersionMask returns VersionMask as a uint32, falling back to
// defaultVersionMask (0x3FFFE000) on a bad or missing value.
func (c *Config) parsedVersionMask() uint32 {
	hexStr := strings.TrimPrefix(strings.TrimSpace(c.VersionMask), "0x")
	if hexStr == "" {
		return defaultVersionMask
	}
	v, err := strconv.ParseUint(hexStr, 16, 32)
	if err != nil {
		return defaultVersionMask
	}
	return uint32(v)
}
