package main

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// doubleSHA256 computes SHA-256(SHA-256(buf)), the sha256d used throughout
// the header/coinbase/merkle layouts.
func doubleSHA256(buf []byte) [32]byte {
	first := sha256Sum(buf)
	return sha256Sum(first[:])
}

// reverseBytes returns a new slice with b's bytes in reverse order.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// reverseBytesInPlace reverses b in place and returns it.
func reverseBytesInPlace(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// reverseU32Words treats b as a sequence of 32-bit words and reverses the
// byte order within each word, without reordering the words themselves.
// This is the Stratum "legacy" prev-hash layout used by job_params().
func reverseU32Words(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := 0; i+4 <= len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return out
}

// varInt returns Bitcoin's compact-size encoding of n.
func varInt(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(n))
		return buf
	case n <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(n))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], n)
		return buf
	}
}

// varString returns var_int(len(s)) || s.
func varString(s []byte) []byte {
	out := make([]byte, 0, len(varInt(uint64(len(s))))+len(s))
	out = append(out, varInt(uint64(len(s)))...)
	out = append(out, s...)
	return out
}

// serializeNumber encodes n the way BIP-34 height prefixes and other small
// coinbase scriptSig numbers are encoded: values 1-16 collapse to the single
// OP_1..OP_16 byte (0x50+n); everything else is a minimal little-endian
// encoding prefixed with its own length byte.
func serializeNumber(n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("serializeNumber: negative value %d", n)
	}
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}, nil
	}
	if n == 0 {
		return []byte{0x01, 0x00}, nil
	}
	var le []byte
	v := uint64(n)
	for v > 0 {
		le = append(le, byte(v))
		v >>= 8
	}
	// If the high bit of the last byte is set, a zero-padding byte is
	// required so the value is not misread as negative.
	if le[len(le)-1]&0x80 != 0 {
		le = append(le, 0x00)
	}
	out := make([]byte, 0, len(le)+1)
	out = append(out, byte(len(le)))
	out = append(out, le...)
	return out, nil
}

// bitsToTarget decodes a 4-byte compact "bits" value into a 256-bit target.
func bitsToTarget(bits uint32) *Uint256 {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	if bits&0x00800000 != 0 {
		// Bitcoin never produces a negative target via this encoding in
		// practice; the sign bit is dropped and is not part of the mantissa
		// (matches bits_to_target(target_to_compact(t))=t for every target
		// with the high bit of the full value unset).
		mantissa &= 0x007fffff
	}
	result := newUint256FromUint64(uint64(mantissa))
	if exponent <= 3 {
		return result.Rsh(uint(8 * (3 - exponent)))
	}
	return result.Lsh(uint(8 * (exponent - 3)))
}

// targetToCompact is the inverse of bitsToTarget: it encodes a 256-bit target
// into Bitcoin's 4-byte compact "bits" representation, prefixing an extra
// zero byte (and incrementing the exponent) whenever the mantissa's high
// byte would otherwise be read with its sign bit set, per the canonical rule
// noted in spec.md's Design Notes section on bufferToCompactBits.
func targetToCompact(t *Uint256) uint32 {
	b := t.BytesBE()
	// Trim leading zero bytes to find the true byte length (the exponent).
	start := 0
	for start < len(b) && b[start] == 0 {
		start++
	}
	trimmed := b[start:]
	size := len(trimmed)
	if size == 0 {
		return 0
	}

	var mantissa uint32
	if trimmed[0]&0x80 != 0 {
		// High bit of the mantissa's leading byte is set: shift right by
		// one byte (prepend an implicit zero) and bump the exponent.
		size++
		if len(trimmed) >= 1 {
			mantissa = uint32(trimmed[0]) << 8
			if len(trimmed) >= 2 {
				mantissa |= uint32(trimmed[1])
			}
		}
		mantissa <<= 8
		mantissa >>= 8 // keep only 3 bytes worth, top byte implicitly zero
	} else {
		var buf [3]byte
		copy(buf[:], trimmed)
		mantissa = uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	}
	return uint32(size)<<24 | mantissa
}

// uint256FromHashHex pads a hex-decoded hash right with zeros to 32 bytes,
// then reverses byte order, per spec.md's uint256_from_hash_hex contract.
func uint256FromHashHex(h string) (*Uint256, error) {
	var raw [32]byte
	if err := decodeHexToFixedBytesAllowShort(raw[:], h); err != nil {
		return nil, err
	}
	return newUint256FromBytesLE(raw[:]), nil
}

// decodeHexToFixedBytesAllowShort hex-decodes src into the left side of dst,
// leaving any remaining bytes zero (right-padding), and errors only on
// malformed hex or on src describing more bytes than dst can hold.
func decodeHexToFixedBytesAllowShort(dst []byte, src string) error {
	if len(src)%2 != 0 {
		return fmt.Errorf("odd-length hex string")
	}
	n := len(src) / 2
	if n > len(dst) {
		return fmt.Errorf("hex string too long for %d-byte buffer", len(dst))
	}
	for i, j := 0, 0; i < n; i, j = i+1, j+2 {
		v := hexPairByteLUT[int(src[j])<<8|int(src[j+1])]
		if v > 0xff {
			return fmt.Errorf("invalid hex digit in %q", src)
		}
		dst[i] = byte(v)
	}
	return nil
}

const (
	p2pkhScriptLen = 25
	opDup          = 0x76
	opHash160      = 0xa9
	opPush20       = 0x14
	opEqualVerify  = 0x88
	opCheckSig     = 0xac
)

// addressToScript converts a pool/recipient address into its output script.
// CashAddr-form addresses are translated to legacy base58 first; everything
// else is decoded as Base58Check and re-emitted as a standard P2PKH script.
func addressToScript(addr string) ([]byte, error) {
	legacy, err := cashAddrToLegacy(addr)
	if err != nil {
		return nil, err
	}
	if legacy != "" {
		addr = legacy
	}

	decoded, version, err := btcutil.CheckDecode(addr)
	if err != nil {
		return nil, fmt.Errorf("address_to_script: base58check decode %q: %w", addr, err)
	}
	_ = version
	if len(decoded) != 20 {
		return nil, fmt.Errorf("address_to_script: expected 20-byte hash160, got %d", len(decoded))
	}

	script := make([]byte, 0, p2pkhScriptLen)
	script = append(script, opDup, opHash160, opPush20)
	script = append(script, decoded...)
	script = append(script, opEqualVerify, opCheckSig)
	if len(script) != p2pkhScriptLen {
		return nil, fmt.Errorf("address_to_script: unexpected script length %d", len(script))
	}
	return script, nil
}

// cashAddrToLegacy translates a "prefix:payload" CashAddr string into its
// legacy base58 equivalent (hash160 re-encoded with the standard P2PKH
// version byte). Returns "" (no error) when addr is not CashAddr-shaped, so
// callers can fall through to plain base58check decoding.
func cashAddrToLegacy(addr string) (string, error) {
	prefix, payload, found := splitCashAddr(addr)
	if !found {
		return "", nil
	}
	_, data, err := bech32.DecodeGeneric(payload)
	if err != nil {
		return "", fmt.Errorf("address_to_script: cashaddr decode %q: %w", addr, err)
	}
	_ = prefix
	hash160, err := cashAddrPayloadToHash160(data)
	if err != nil {
		return "", err
	}
	return btcutil.Base58CheckEncode(hash160, 0x00), nil
}

func splitCashAddr(addr string) (prefix, payload string, ok bool) {
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], true
		}
	}
	return "", addr, false
}

// cashAddrPayloadToHash160 converts CashAddr's 5-bit group payload (version
// byte + hash) back into a raw 20-byte hash160.
func cashAddrPayloadToHash160(fiveBit []byte) ([]byte, error) {
	eightBit, err := bech32.ConvertBits(fiveBit, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("address_to_script: cashaddr bit conversion: %w", err)
	}
	if len(eightBit) < 21 {
		return nil, fmt.Errorf("address_to_script: cashaddr payload too short")
	}
	// First byte is the CashAddr version/type byte; the remaining 20 bytes
	// are hash160 for the P2PKH/P2SH types this pool accepts.
	return eightBit[1:21], nil
}

// pubkeyToScript emits a P2PK script for POS-style coins that pay directly
// to a public key rather than a hash160.
func pubkeyToScript(pubkeyHex string) ([]byte, error) {
	if len(pubkeyHex) != 66 {
		return nil, fmt.Errorf("pubkey_to_script: expected 66 hex chars, got %d", len(pubkeyHex))
	}
	pubkey := make([]byte, 33)
	if err := decodeHexToFixedBytes(pubkey, pubkeyHex); err != nil {
		return nil, fmt.Errorf("pubkey_to_script: %w", err)
	}
	script := make([]byte, 0, 35)
	script = append(script, 0x21)
	script = append(script, pubkey...)
	script = append(script, opCheckSig)
	return script, nil
}
