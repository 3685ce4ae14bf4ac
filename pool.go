package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"
)

// Pool wires components A-H to the daemon/P2P collaborators, owns the
// startup order, and broadcasts new jobs to subscribed miners, per
// spec.md §4.I.
type Pool struct {
	cfg     *Config
	rpc     *rpcClient
	jobs    *jobManager
	bans    *banTable
	metrics *PoolMetrics

	registries map[int]*MinerRegistry // one per listening port
	vardiffs   map[int]*vardiffConfig

	acceptLimiters map[int]*acceptRateLimiter
	reconnects     *reconnectTracker

	poolScript    []byte
	rewardType    string
	network       string
	submitblockOK bool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPool constructs a Pool but does not start it; call Start to run the
// full startup sequence.
func NewPool(cfg *Config) *Pool {
	return &Pool{
		cfg:            cfg,
		metrics:        NewPoolMetrics(),
		registries:     make(map[int]*MinerRegistry),
		vardiffs:       make(map[int]*vardiffConfig),
		acceptLimiters: make(map[int]*acceptRateLimiter),
		stop:           make(chan struct{}),
	}
}

// Start runs the 10-step startup order from spec.md §4.I and then blocks
// serving Stratum connections until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	// 1. Build vardiff controllers per port.
	for portStr, pc := range p.cfg.Ports {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("pool: invalid port %q: %w", portStr, err)
		}
		p.registries[port] = NewMinerRegistry()
		if pc.VarDiff != nil {
			p.vardiffs[port] = &vardiffConfig{
				TargetTime:      pc.VarDiff.TargetTime,
				RetargetTime:    pc.VarDiff.RetargetTime,
				VariancePercent: pc.VarDiff.VariancePercent,
				MinDiff:         pc.VarDiff.MinDiff,
				MaxDiff:         pc.VarDiff.MaxDiff,
				X2Mode:          pc.VarDiff.X2Mode,
			}
		}
		p.acceptLimiters[port] = newAcceptRateLimiter(200, 400)
	}
	if p.cfg.Banning.Enabled {
		p.bans = newBanTable(time.Duration(p.cfg.Banning.Time) * time.Second)
		p.reconnects = newReconnectTracker(20, time.Minute, 5*time.Minute)
	}

	// 2. Open daemon interface; verify at least one instance is reachable.
	if err := finalizeRPCCredentials(p.cfg); err != nil {
		return fmt.Errorf("pool: rpc credentials: %w", err)
	}
	p.rpc = newRPCClient(p.cfg.RPCURL, p.cfg.RPCUser, p.cfg.RPCPass, p.cfg.connectionTimeoutDuration(), p.metrics)
	if err := p.verifyDaemonReachable(ctx); err != nil {
		return fmt.Errorf("pool: daemon unreachable: %w", err)
	}

	// 3. Batch RPC: validateaddress, getdifficulty, getmininginfo, submitblock
	// probe, plus getinfo/getblockchaininfo. Determine reward type, network,
	// the pool's output script.
	if err := p.probeDaemon(ctx); err != nil {
		return fmt.Errorf("pool: daemon probe: %w", err)
	}

	// 4. Build recipient list; sum to pool fee percentage.
	recipients, err := p.buildRecipientList()
	if err != nil {
		return fmt.Errorf("pool: recipient list: %w", err)
	}

	// 5. Create Job Manager.
	coinCfg := coinbaseParams{
		PoolScript: p.poolScript,
		TxMessages: p.cfg.Coin.TxMessages,
		Signature:  []byte("/" + poolSoftwareName + "/"),
		FeeRecipients: recipients,
	}
	p.jobs = newJobManager(p.cfg.InstanceID, coinCfg, p.cfg.parsedVersionMask())

	// 6-7. Poll getblocktemplate until synced, fetch first template.
	tpl, err := p.waitForSyncedTemplate(ctx)
	if err != nil {
		return fmt.Errorf("pool: initial template: %w", err)
	}
	if _, _, err := p.jobs.processTemplate(tpl); err != nil {
		return fmt.Errorf("pool: build initial job: %w", err)
	}

	// 8. Start block-template polling.
	go p.pollTemplates(ctx)

	// 9. Start P2P listener (if enabled and peerMagic configured).
	if p.cfg.P2P.Enabled && p.cfg.Coin.PeerMagic != "" {
		magic, err := parsePeerMagic(p.cfg.Coin.PeerMagic)
		if err != nil {
			logger.Warn("p2p disabled: bad peerMagic", "error", err)
		} else {
			addr := net.JoinHostPort(p.cfg.P2P.Host, strconv.Itoa(p.cfg.P2P.Port))
			listener := newP2PListener(addr, magic, func() { p.onBlockSignal(ctx) })
			go listener.Run(ctx)
		}
	}

	// 10. Start Stratum listeners on every configured port; broadcast the
	// first job; announce started.
	var wg sync.WaitGroup
	for portStr, pc := range p.cfg.Ports {
		port, _ := strconv.Atoi(portStr)
		diff := pc.Diff
		wg.Add(1)
		go func(port int, diff float64) {
			defer wg.Done()
			if err := p.serveStratumPort(ctx, port, diff); err != nil && ctx.Err() == nil {
				logger.Error("stratum listener stopped", "port", port, "error", err)
			}
		}(port, diff)
	}
	if p.bans != nil {
		go p.bans.runPurgeLoop(time.Duration(p.cfg.Banning.PurgeInterval)*time.Second, p.stop)
	}

	p.broadcastCurrentJob(true)
	logger.Info("pool started",
		"coin", p.cfg.Coin.Name,
		"ports", len(p.cfg.Ports),
		"reward_type", p.rewardType,
		"network", p.network,
		"submitblock", p.submitblockOK,
		"uptime_fmt", durafmt.Parse(0).String())

	wg.Wait()
	return nil
}

func (p *Pool) verifyDaemonReachable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.rpc.Call(ctx, "getmininginfo", nil, nil)
}

// probeDaemon runs the startup daemon batch from spec.md §4.I step 3:
// validateaddress/getdifficulty/getmininginfo, a submitblock availability
// probe, and getblockchaininfo+getnetworkinfo (or getinfo) to determine the
// network, plus the pool's own output script. The protocol version is
// decoded but not kept; the reward type comes from coin.reward.
func (p *Pool) probeDaemon(ctx context.Context) error {
	specs := []rpcCallSpec{
		{Method: "validateaddress", Params: []interface{}{p.cfg.Address}},
		{Method: "getdifficulty"},
		{Method: "getmininginfo"},
		{Method: "getblockchaininfo"},
		{Method: "getnetworkinfo"},
	}
	results, err := p.rpc.Batch(ctx, specs)
	if err != nil {
		return err
	}
	for i, r := range results {
		if r.Error != nil {
			// getblockchaininfo/getnetworkinfo are best-effort: some
			// coin daemons (POS forks) only expose the legacy getinfo
			// call. validateaddress/getdifficulty/getmininginfo must
			// succeed; the network-info pair is optional.
			if i <= 2 {
				return r.Error
			}
			continue
		}
	}

	var chainInfo struct {
		Chain string `json:"chain"`
	}
	if len(results) > 3 && results[3].Error == nil {
		_ = fastJSONUnmarshal(results[3].Result, &chainInfo)
	}
	var netInfo struct {
		ProtocolVersion int `json:"protocolversion"`
	}
	if len(results) > 4 && results[4].Error == nil {
		_ = fastJSONUnmarshal(results[4].Result, &netInfo)
	}
	if chainInfo.Chain == "" {
		// Legacy daemons only expose combined state via getinfo.
		var info struct {
			Testnet bool `json:"testnet"`
		}
		if err := p.rpc.Call(ctx, "getinfo", nil, &info); err == nil {
			if info.Testnet {
				chainInfo.Chain = "test"
			} else {
				chainInfo.Chain = "main"
			}
		}
	}
	p.network = chainInfo.Chain

	p.submitblockOK = p.probeSubmitblockAvailable(ctx)

	script, err := addressToScript(p.cfg.Address)
	if err != nil {
		return fmt.Errorf("pool output address %q: %w", p.cfg.Address, err)
	}
	p.poolScript = script
	p.rewardType = p.cfg.Coin.Reward
	if p.rewardType == "" {
		p.rewardType = "POW"
	}
	return nil
}

// probeSubmitblockAvailable checks whether the daemon exposes submitblock
// at all, without actually submitting a block: an invalid hex payload is
// rejected with a decode/verification error on daemons that implement the
// method, and with "method not found" (-32601) on those that don't.
func (p *Pool) probeSubmitblockAvailable(ctx context.Context) bool {
	var out interface{}
	err := p.rpc.Call(ctx, "submitblock", []interface{}{"00"}, &out)
	if err == nil {
		return true
	}
	if rerr, ok := err.(*rpcError); ok && rerr.Code == -32601 {
		return false
	}
	return true
}

func (p *Pool) buildRecipientList() ([]coinbaseRecipient, error) {
	var recipients []coinbaseRecipient
	var totalPercent float64
	for addr, pct := range p.cfg.RewardRecipients {
		script, err := addressToScript(addr)
		if err != nil {
			logger.Warn("invalid reward recipient address, skipping", "address", addr, "error", err)
			continue
		}
		recipients = append(recipients, coinbaseRecipient{Script: script, Percent: pct})
		totalPercent += pct
	}
	if totalPercent >= 100 {
		return nil, fmt.Errorf("reward recipients sum to %.4f%%, leaving nothing for the pool", totalPercent)
	}
	return recipients, nil
}

func (p *Pool) waitForSyncedTemplate(ctx context.Context) (blockTemplateSource, error) {
	for {
		tpl, err := p.fetchTemplate(ctx)
		if err == nil {
			return tpl, nil
		}
		if rerr, ok := err.(*rpcError); ok && rerr.Code == -10 {
			logger.Warn("daemon not yet synced, retrying", "error", rerr.Message)
			if !sleepOrDone(ctx, 5*time.Second) {
				return blockTemplateSource{}, ctx.Err()
			}
			continue
		}
		return blockTemplateSource{}, err
	}
}

type gbtResult struct {
	Height            int64             `json:"height"`
	Version           uint32            `json:"version"`
	PreviousBlockHash string            `json:"previousblockhash"`
	Bits              string            `json:"bits"`
	Target            string            `json:"target"`
	CurTime           int64             `json:"curtime"`
	CoinbaseValue     int64             `json:"coinbasevalue"`
	Transactions      []gbtTransaction  `json:"transactions"`
	DefaultWitnessCommitment string     `json:"default_witness_commitment"`
}

type gbtTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
}

func (p *Pool) fetchTemplate(ctx context.Context) (blockTemplateSource, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	params := map[string]interface{}{
		"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
		"rules":        []string{"segwit"},
	}
	var res gbtResult
	if err := p.rpc.Call(reqCtx, "getblocktemplate", []interface{}{params}, &res); err != nil {
		return blockTemplateSource{}, err
	}

	bits, err := strconv.ParseUint(res.Bits, 16, 32)
	if err != nil {
		return blockTemplateSource{}, fmt.Errorf("parse bits: %w", err)
	}

	txs := make([]daemonTransaction, 0, len(res.Transactions))
	for _, tx := range res.Transactions {
		data, err := hexDecodeOrEmpty(tx.Data)
		if err != nil {
			return blockTemplateSource{}, fmt.Errorf("decode tx data: %w", err)
		}
		txs = append(txs, daemonTransaction{Data: data, Txid: tx.Txid})
	}

	var witnessCommit []byte
	if res.DefaultWitnessCommitment != "" {
		witnessCommit, err = hexDecodeOrEmpty(res.DefaultWitnessCommitment)
		if err != nil {
			return blockTemplateSource{}, fmt.Errorf("decode witness commitment: %w", err)
		}
	}

	return blockTemplateSource{
		Height:            res.Height,
		Version:           res.Version,
		PreviousBlockHash: res.PreviousBlockHash,
		Bits:              uint32(bits),
		Target:            res.Target,
		CurTime:           res.CurTime,
		CoinbaseValue:     res.CoinbaseValue,
		Transactions:      txs,
		WitnessCommitment: witnessCommit,
		RewardType:        p.rewardType,
	}, nil
}

func hexDecodeOrEmpty(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b := make([]byte, len(s)/2)
	if err := decodeHexToFixedBytesAllowShort(b, s); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Pool) pollTemplates(ctx context.Context) {
	interval := p.cfg.blockRefreshIntervalDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshTemplate(ctx)
		}
	}
}

func (p *Pool) onBlockSignal(ctx context.Context) {
	p.refreshTemplate(ctx)
}

func (p *Pool) refreshTemplate(ctx context.Context) {
	tpl, err := p.fetchTemplate(ctx)
	if err != nil {
		logger.Warn("refresh template failed", "error", err)
		return
	}
	j, isNew, err := p.jobs.processTemplate(tpl)
	if err != nil {
		logger.Warn("process template failed", "error", err)
		return
	}
	if isNew {
		p.broadcastJob(j, true)
		return
	}
	updated, err := p.jobs.updateCurrentJob(tpl)
	if err != nil {
		logger.Warn("update job failed", "error", err)
		return
	}
	p.broadcastJob(updated, false)
}

func (p *Pool) broadcastCurrentJob(cleanJobs bool) {
	p.jobs.mu.RLock()
	j := p.jobs.currentJob
	p.jobs.mu.RUnlock()
	if j != nil {
		p.broadcastJob(j, cleanJobs)
	}
}

// broadcastJob fans a new job out to every subscribed session across every
// port using a bounded worker pool, so one slow write doesn't stall the
// others.
func (p *Pool) broadcastJob(j *job, cleanJobs bool) {
	params := j.jobParams(cleanJobs)
	swg := sizedwaitgroup.New(64)
	for _, reg := range p.registries {
		for _, mc := range reg.Snapshot() {
			swg.Add()
			go func(mc *MinerConn) {
				defer swg.Done()
				if err := mc.Notify(params); err != nil {
					logger.Debug("notify failed, dropping session", "error", err)
					mc.Close()
				}
			}(mc)
		}
	}
	swg.Wait()
}

func (p *Pool) serveStratumPort(ctx context.Context, port int, diff float64) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	registry := p.registries[port]
	limiter := p.acceptLimiters[port]
	vardiffCfg := p.vardiffs[port]

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if limiter != nil && !limiter.wait(ctx) {
			_ = conn.Close()
			continue
		}
		host := hostOnly(conn.RemoteAddr().String())
		if p.bans != nil && p.bans.IsBanned(host, time.Now()) {
			_ = conn.Close()
			continue
		}
		if p.reconnects != nil && !p.reconnects.allow(host, time.Now()) {
			_ = conn.Close()
			continue
		}
		if p.cfg.MaxConnections > 0 && registry.Count() >= p.cfg.MaxConnections {
			_ = conn.Close()
			continue
		}

		deps := sessionDeps{
			jobs:              p.jobs,
			authorize:         p.authorizeWorker,
			notifyBan:         p.notifyBan,
			onBlockFound: func(rec *shareRecord) {
				if err := p.SubmitBlock(ctx, rec); err != nil {
					logger.Error("block submission failed", "hash", rec.BlockHash, "error", err)
				}
			},
			poolVersionMask:   p.cfg.parsedVersionMask(),
			vardiffCfg:        vardiffCfg,
			banningEnabled:    p.cfg.Banning.Enabled,
			banCheckThreshold: p.cfg.Banning.CheckThreshold,
			banInvalidPercent: p.cfg.Banning.InvalidPercent,
			connectionTimeout: p.cfg.connectionTimeoutDuration(),
		}
		mc := NewMinerConn(conn, port, deps)
		registry.Add(mc)
		mc.setDifficulty(diff)
		go func() {
			defer registry.Remove(mc)
			p.runSessionWithIdleTimeout(ctx, mc)
		}()
	}
}

func (p *Pool) runSessionWithIdleTimeout(ctx context.Context, mc *MinerConn) {
	done := make(chan struct{})
	go func() {
		mc.Serve()
		close(done)
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			mc.Close()
			return
		case now := <-ticker.C:
			if mc.IdleFor(now) > p.cfg.connectionTimeoutDuration() {
				mc.Close()
			}
			mc.MaybeRetarget(now)
		}
	}
}

// authorizeWorker is the pool's default authorization policy collaborator:
// spec.md §1 treats operator authorization policy as out of scope, so this
// accepts any non-empty worker name.
func (p *Pool) authorizeWorker(user, pass, remoteAddr string) authResult {
	if strings.TrimSpace(user) == "" {
		return authResult{Authorized: false}
	}
	return authResult{Authorized: true}
}

func (p *Pool) notifyBan(remoteAddr string) {
	if p.bans == nil {
		return
	}
	p.bans.Ban(remoteAddr, time.Now())
	logger.Warn("banned address for excessive invalid shares", "remote", remoteAddr)
}

// SubmitBlock implements the submit pathway from spec.md §4.I: submitblock,
// falling back to getblocktemplate{mode:submit} if submitblock itself is
// unavailable, then verifying via getblock and requesting a fresh template.
func (p *Pool) SubmitBlock(ctx context.Context, rec *shareRecord) error {
	if rec == nil || rec.BlockHex == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := p.rpc.Call(ctx, "submitblock", []interface{}{rec.BlockHex}, nil)
	if err != nil {
		if rerr, ok := err.(*rpcError); ok && rerr.Code == -32601 {
			// submitblock not implemented; fall back to submit-mode GBT.
			params := map[string]interface{}{"mode": "submit", "data": rec.BlockHex}
			err = p.rpc.Call(ctx, "getblocktemplate", []interface{}{params}, nil)
		}
	}
	if err != nil {
		p.metrics.RecordBlockSubmission("error")
		logger.Error("block submission rejected", "hash", rec.BlockHash, "error", err)
		p.refreshTemplate(ctx)
		return err
	}

	p.metrics.RecordBlockSubmission("accepted")
	logger.Info("block submitted", "hash", rec.BlockHash, "height", rec.Height)

	var verify struct {
		Tx []string `json:"tx"`
	}
	if verr := p.rpc.Call(ctx, "getblock", []interface{}{rec.BlockHash}, &verify); verr == nil && len(verify.Tx) > 0 {
		logger.Info("block confirmed on daemon", "hash", rec.BlockHash, "coinbase_txid", verify.Tx[0])
	}

	p.refreshTemplate(ctx)
	return nil
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func parsePeerMagic(hexStr string) (uint32, error) {
	hexStr = strings.TrimPrefix(strings.TrimSpace(hexStr), "0x")
	v, err := strconv.ParseUint(hexStr, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
