package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to pool configuration file")
	bind := flag.String("bind", "", "set the p2p peer host when it is unset or 0.0.0.0 (stratum ports always listen on all interfaces)")
	rpcURL := flag.String("rpc-url", "", "override the primary daemon RPC URL")
	rpcCookiePath := flag.String("rpc-cookie", "", "override the primary daemon RPC cookie path")
	dataDir := flag.String("datadir", "", "override the daemon datadir used for cookie autodetection")
	maxConns := flag.Int("max-conns", -1, "override the maximum concurrent stratum connections per port (-1 = no override, 0 = unlimited)")
	allowPublicRPC := flag.Bool("allow-public-rpc", false, "allow starting without rpc auth when rpcUser is already set")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		setLogLevel(logLevelDebug)
	} else {
		setLogLevel(logLevelInfo)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("failed to load config", err, "path", *configPath)
	}

	applyCLIOverrides(cfg, cliOverrides{
		bind:           *bind,
		rpcURL:         *rpcURL,
		rpcCookiePath:  *rpcCookiePath,
		dataDir:        *dataDir,
		maxConns:       *maxConns,
		allowPublicRPC: *allowPublicRPC,
	})

	if err := cfg.validate(); err != nil {
		fatal("invalid configuration", err)
	}

	SetChainParams(networkNameFromCoin(cfg))
	setSha256Implementation(true)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	pool := NewPool(cfg)
	if err := pool.Start(ctx); err != nil && ctx.Err() == nil {
		fatal("pool exited with error", err)
	}
	logger.Stop()
}

// cliOverrides are the genuinely relevant startup flags a real deployment
// needs at the command line even though the bulk of configuration lives in
// config.toml: bind address, rpc connectivity, and connection limits.
type cliOverrides struct {
	bind           string
	rpcURL         string
	rpcCookiePath  string
	dataDir        string
	maxConns       int
	allowPublicRPC bool
}

func applyCLIOverrides(cfg *Config, o cliOverrides) {
	if o.rpcURL != "" {
		cfg.RPCURL = o.rpcURL
	}
	if o.rpcCookiePath != "" {
		cfg.RPCCookiePath = o.rpcCookiePath
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.maxConns >= 0 {
		cfg.MaxConnections = o.maxConns
	}
	if o.allowPublicRPC {
		cfg.AllowPublicRPC = true
	}
	if o.bind != "" {
		rebindPorts(cfg, o.bind)
	}
}

// rebindPorts sets the p2p peer host to bind when that host is unset or
// 0.0.0.0, leaving ports unchanged. Stratum listeners are not affected: they
// always bind on all interfaces.
func rebindPorts(cfg *Config, bind string) {
	if cfg.P2P.Host == "" || cfg.P2P.Host == "0.0.0.0" {
		cfg.P2P.Host = bind
	}
}

func networkNameFromCoin(cfg *Config) string {
	switch cfg.Coin.Symbol {
	case "tBTC", "testnet":
		return "testnet3"
	default:
		return "mainnet"
	}
}
