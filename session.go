package main

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	floodLineLimit           = 10240
	defaultVersionRollingMin = 16
	bip310DefaultClientMask  = 0x1fffe000
)

var (
	sessionIDPrefix  [8]byte
	sessionIDCounter uint64
)

func init() {
	if _, err := rand.Read(sessionIDPrefix[:]); err != nil {
		binary.BigEndian.PutUint64(sessionIDPrefix[:], uint64(time.Now().UnixNano()))
	}
}

func nextSubscriptionID() string {
	n := atomic.AddUint64(&sessionIDCounter, 1)
	var buf [16]byte
	copy(buf[:8], sessionIDPrefix[:])
	binary.BigEndian.PutUint64(buf[8:], n)
	return hex.EncodeToString(buf[:])
}

// authResult is what the (out-of-scope) authorization collaborator returns
// for a mining.authorize call.
type authResult struct {
	Authorized    bool
	Difficulty    float64
	HasDifficulty bool
	Disconnect    bool
}

// sessionDeps bundles a MinerConn's server-side collaborators so the session
// itself stays free of a direct dependency on the pool orchestrator type.
type sessionDeps struct {
	jobs         *jobManager
	authorize    func(user, pass, remoteAddr string) authResult
	notifyBan    func(remoteAddr string)
	onBlockFound func(*shareRecord)

	poolVersionMask   uint32
	clientMinBitCount int

	vardiffCfg *vardiffConfig

	banningEnabled    bool
	banCheckThreshold int
	banInvalidPercent float64

	connectionTimeout time.Duration
}

// MinerConn is one Stratum TCP connection: framing, method dispatch,
// subscribe/authorize/configure, job & difficulty push, submit forwarding,
// and ban accounting, per spec.md §4.G. It fills the role the teacher's
// registry (miner_registry.go) is shaped for.
type MinerConn struct {
	conn   net.Conn
	reader *bufio.Reader
	deps   sessionDeps

	remoteAddr string
	port       int

	writeMu sync.Mutex
	closed  atomic.Bool

	mu sync.Mutex

	subscriptionID  string
	extranonce1     []byte
	extranonce1Hex  string
	extranonce2Size int

	authorized bool
	subscribed bool
	worker     string

	difficulty         float64
	previousDifficulty float64
	pendingDifficulty  float64

	asicboostEnabled      bool
	negotiatedVersionMask uint32

	extranonceSubscribed bool

	lastActivity time.Time

	validShares   int64
	invalidShares int64

	vardiff *vardiffController
}

// NewMinerConn wraps conn as a Stratum session. port is the listener port
// the connection arrived on (pools may run several ports with distinct
// vardiff targets).
func NewMinerConn(conn net.Conn, port int, deps sessionDeps) *MinerConn {
	mc := &MinerConn{
		conn:            conn,
		reader:          bufio.NewReaderSize(conn, 4096),
		deps:            deps,
		remoteAddr:      hostOnly(conn.RemoteAddr().String()),
		port:            port,
		extranonce2Size: 4,
		lastActivity:    time.Now(),
	}
	if deps.vardiffCfg != nil {
		mc.vardiff = newVardiffController(*deps.vardiffCfg)
	}
	return mc
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// Serve runs the session's read loop until the connection closes or a
// protocol violation (flood, malformed line) tears it down.
func (mc *MinerConn) Serve() {
	defer mc.Close()
	for {
		line, err := mc.readLine()
		if err != nil {
			if len(line) > 0 {
				logger.Debug("stratum session ended", "remote", mc.remoteAddr, "err", err.Error())
			}
			return
		}
		line = trimTrailingNewline(line)
		if len(line) == 0 {
			continue
		}
		if err := mc.dispatch(line); err != nil {
			logger.Debug("stratum dispatch error", "remote", mc.remoteAddr, "err", err.Error())
		}
	}
}

func trimTrailingNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// readLine accumulates bytes up to a newline, erroring out once the total
// exceeds floodLineLimit without finding one (flood detection).
func (mc *MinerConn) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := mc.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > floodLineLimit {
			return buf, fmt.Errorf("flood: line exceeds %d bytes", floodLineLimit)
		}
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return buf, err
	}
}

type wireRequest struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type wireResponse struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

type wireNotification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

func (mc *MinerConn) dispatch(line []byte) error {
	var req wireRequest
	if err := fastJSONUnmarshal(line, &req); err != nil {
		_ = mc.writeError(nil, newStratumError(20, "malformed request"))
		mc.Close()
		return err
	}

	switch req.Method {
	case "mining.subscribe":
		return mc.handleSubscribe(req)
	case "mining.authorize":
		return mc.handleAuthorize(req)
	case "mining.submit":
		return mc.handleSubmit(req)
	case "mining.configure":
		return mc.handleConfigure(req)
	case "mining.extranonce.subscribe":
		mc.mu.Lock()
		mc.extranonceSubscribed = true
		mc.mu.Unlock()
		return mc.writeResult(req.ID, true)
	case "mining.get_transactions":
		return mc.writeRaw(wireResponse{ID: req.ID, Result: []interface{}{}, Error: true})
	case "mining.set_version_mask":
		return nil // client acknowledgement, no reply expected
	default:
		return mc.writeError(req.ID, newStratumError(20, "Unknown method"))
	}
}

func (mc *MinerConn) handleSubscribe(req wireRequest) error {
	en1 := mc.deps.jobs.nextExtranonce1()
	mc.mu.Lock()
	mc.subscriptionID = nextSubscriptionID()
	mc.extranonce1 = en1
	mc.extranonce1Hex = hex.EncodeToString(en1)
	mc.subscribed = true
	subID := mc.subscriptionID
	en1Hex := mc.extranonce1Hex
	en2Size := mc.extranonce2Size
	mc.mu.Unlock()

	result := []interface{}{
		[]interface{}{
			[]interface{}{"mining.set_difficulty", subID},
			[]interface{}{"mining.notify", subID},
		},
		en1Hex,
		en2Size,
	}
	return mc.writeResult(req.ID, result)
}

func (mc *MinerConn) handleAuthorize(req wireRequest) error {
	var params []string
	if err := fastJSONUnmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return mc.writeError(req.ID, newStratumError(20, "invalid authorize params"))
	}
	user := params[0]
	pass := ""
	if len(params) > 1 {
		pass = params[1]
	}

	res := mc.deps.authorize(user, pass, mc.remoteAddr)

	mc.mu.Lock()
	mc.authorized = res.Authorized
	mc.worker = user
	mc.mu.Unlock()

	if err := mc.writeResult(req.ID, res.Authorized); err != nil {
		return err
	}

	if res.HasDifficulty {
		mc.setDifficulty(res.Difficulty)
	}
	if res.Disconnect {
		mc.Close()
	}
	return nil
}

func (mc *MinerConn) handleSubmit(req wireRequest) error {
	var params []string
	if err := fastJSONUnmarshal(req.Params, &params); err != nil || len(params) < 5 {
		return mc.writeError(req.ID, newStratumError(errIncorrectSize, "invalid submit params"))
	}

	mc.mu.Lock()
	authorized := mc.authorized
	subscribed := mc.subscribed
	en1Hex := mc.extranonce1Hex
	diff := mc.difficulty
	prevDiff := mc.previousDifficulty
	negotiatedMask := mc.negotiatedVersionMask
	asicboost := mc.asicboostEnabled
	mc.mu.Unlock()

	if !authorized {
		return mc.writeError(req.ID, newStratumError(errNotAuthorized, "Unauthorized worker"))
	}
	if !subscribed {
		return mc.writeError(req.ID, newStratumError(errNotSubscribed, "Not subscribed"))
	}

	worker, jobID, en2, nTime, nonce := params[0], params[1], params[2], params[3], params[4]
	if len(nTime) != 8 {
		return mc.writeError(req.ID, newStratumError(errIncorrectSize, "incorrect size of ntime"))
	}
	if len(nonce) != 8 {
		return mc.writeError(req.ID, newStratumError(errIncorrectSize, "incorrect size of nonce"))
	}
	versionHex := ""
	if len(params) > 5 {
		versionHex = params[5]
		if len(versionHex) != 8 {
			return mc.writeError(req.ID, newStratumError(errIncorrectSize, "incorrect size of version"))
		}
	}

	rec := mc.deps.jobs.processShare(shareInput{
		JobID:          jobID,
		PrevDiff:       prevDiff,
		Diff:           diff,
		Extranonce1:    en1Hex,
		Extranonce2Hex: en2,
		NTimeHex:       nTime,
		NonceHex:       nonce,
		RemoteAddr:     mc.remoteAddr,
		Port:           mc.port,
		Worker:         worker,
		VersionHex:     versionHex,
		NegotiatedMask: negotiatedMask,
		ASICBoost:      asicboost,
	})

	mc.mu.Lock()
	mc.lastActivity = time.Now()
	if rec.Error != nil {
		mc.invalidShares++
	} else {
		mc.validShares++
	}
	mc.mu.Unlock()

	mc.enforceBanPolicy()

	if rec.Error != nil {
		return mc.writeError(req.ID, rec.Error)
	}

	if rec.BlockHash != "" && mc.deps.onBlockFound != nil {
		mc.deps.onBlockFound(rec)
	}

	return mc.writeResult(req.ID, true)
}

func (mc *MinerConn) enforceBanPolicy() {
	if !mc.deps.banningEnabled || mc.deps.notifyBan == nil {
		return
	}
	mc.mu.Lock()
	valid, invalid := mc.validShares, mc.invalidShares
	mc.mu.Unlock()

	total := valid + invalid
	if total < int64(mc.deps.banCheckThreshold) {
		return
	}
	if float64(invalid)/float64(total) >= mc.deps.banInvalidPercent {
		mc.deps.notifyBan(mc.remoteAddr)
		mc.Close()
	}
}

func (mc *MinerConn) handleConfigure(req wireRequest) error {
	var raw []json.RawMessage
	if err := fastJSONUnmarshal(req.Params, &raw); err != nil || len(raw) < 2 {
		return mc.writeError(req.ID, newStratumError(20, "invalid configure params"))
	}
	var extensions []string
	if err := fastJSONUnmarshal(raw[0], &extensions); err != nil {
		return mc.writeError(req.ID, newStratumError(20, "invalid configure extensions"))
	}
	var params map[string]interface{}
	if err := fastJSONUnmarshal(raw[1], &params); err != nil {
		params = map[string]interface{}{}
	}

	result := map[string]interface{}{}
	for _, ext := range extensions {
		switch ext {
		case "version-rolling":
			mc.configureVersionRolling(params, result)
		case "minimum-difficulty":
			result["minimum-difficulty"] = true
		case "subscribe-extranonce":
			result["subscribe-extranonce"] = true
		}
	}
	return mc.writeResult(req.ID, result)
}

func (mc *MinerConn) configureVersionRolling(params map[string]interface{}, result map[string]interface{}) {
	clientMask := uint32(bip310DefaultClientMask)
	if v, ok := params["version-rolling.mask"].(string); ok {
		if parsed, err := parseUint32BEHex(v); err == nil {
			clientMask = parsed
		}
	}
	minBitCount := defaultVersionRollingMin
	if mc.deps.clientMinBitCount > 0 {
		minBitCount = mc.deps.clientMinBitCount
	}
	if v, ok := params["version-rolling.min-bit-count"].(float64); ok {
		minBitCount = int(v)
	}

	intersection := mc.deps.poolVersionMask & clientMask
	bitsSet := bits.OnesCount32(intersection)

	if bitsSet < minBitCount {
		result["version-rolling"] = false
		return
	}

	mc.mu.Lock()
	mc.negotiatedVersionMask = intersection
	mc.asicboostEnabled = true
	mc.mu.Unlock()

	result["version-rolling"] = true
	result["version-rolling.mask"] = uint32ToBEHex(intersection)
	result["version-rolling.min-bit-count"] = bitsSet
}

// setDifficulty pushes mining.set_difficulty, saving the previous value.
func (mc *MinerConn) setDifficulty(d float64) {
	mc.mu.Lock()
	mc.previousDifficulty = mc.difficulty
	mc.difficulty = d
	mc.mu.Unlock()
	_ = mc.writeNotification("mining.set_difficulty", []interface{}{d})
}

// Notify pushes mining.notify with the given job params and clean_jobs flag
// already baked into params by the caller (job.jobParams).
func (mc *MinerConn) Notify(params []interface{}) error {
	return mc.writeNotification("mining.notify", params)
}

// PushVersionMask pushes mining.set_version_mask when the negotiated mask
// changes server-side.
func (mc *MinerConn) PushVersionMask(mask uint32) error {
	return mc.writeNotification("mining.set_version_mask", []interface{}{uint32ToBEHex(mask)})
}

// MaybeRetarget asks this session's vardiff controller whether now's submit
// warrants a new difficulty, and if so applies and pushes it.
func (mc *MinerConn) MaybeRetarget(now time.Time) {
	if mc.vardiff == nil {
		return
	}
	mc.mu.Lock()
	cur := mc.difficulty
	mc.mu.Unlock()
	if cur == 0 {
		return
	}
	if next, ok := mc.vardiff.submit(now, cur); ok {
		mc.setDifficulty(next)
	}
}

// IdleFor reports how long it has been since the session's last submit.
func (mc *MinerConn) IdleFor(now time.Time) time.Duration {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return now.Sub(mc.lastActivity)
}

func (mc *MinerConn) writeResult(id interface{}, result interface{}) error {
	return mc.writeRaw(wireResponse{ID: id, Result: result, Error: nil})
}

func (mc *MinerConn) writeError(id interface{}, err *stratumError) error {
	return mc.writeRaw(wireResponse{ID: id, Result: nil, Error: []interface{}{err.Code, err.Message, nil}})
}

func (mc *MinerConn) writeNotification(method string, params interface{}) error {
	return mc.writeRaw(wireNotification{ID: nil, Method: method, Params: params})
}

func (mc *MinerConn) writeRaw(v interface{}) error {
	data, err := fastJSONMarshal(v)
	if err != nil {
		return err
	}
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	if _, err := mc.conn.Write(data); err != nil {
		return err
	}
	_, err = mc.conn.Write([]byte("\n"))
	return err
}

// Close tears down the underlying connection; safe to call more than once.
func (mc *MinerConn) Close() error {
	if mc.closed.Swap(true) {
		return nil
	}
	return mc.conn.Close()
}
