// Package cursor issues and verifies the signed, time-bounded resumption
// tokens handed out by live-tail responses. A cursor binds a stream id and
// an offset to its issuance time and is HMAC-authenticated so clients
// cannot forge positions or replay tokens across streams.
package cursor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire layout, before base64url encoding:
//
//	version(1) || len(stream_id) u16 BE || stream_id ||
//	len(offset) u16 BE || offset || issued_at_ms u64 BE ||
//	hmac_sha256(preceding, secret)[0:16]
const (
	cursorVersion = 0x01
	macSize       = 16
)

// DefaultTTL bounds cursor validity unless configured otherwise.
const DefaultTTL = 10 * time.Minute

var (
	// ErrInvalid covers malformed tokens, MAC failures, and stream
	// mismatches. Verification never says which.
	ErrInvalid = errors.New("cursor invalid")

	// ErrExpired marks a well-formed, authentic cursor past its TTL.
	ErrExpired = errors.New("cursor expired")
)

// Policy issues and verifies cursors with a process-lifetime secret.
// Rotating the secret invalidates outstanding cursors; clients fall back
// to offset=-1.
type Policy struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewPolicy creates a cursor policy. A nil secret generates a random one,
// held until process exit; operators wanting cursors to survive restarts
// configure the secret explicitly. A zero ttl selects DefaultTTL.
func NewPolicy(secret []byte, ttl time.Duration) (*Policy, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cursor secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Policy{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue produces a cursor binding (streamID, offset) to the current time.
func (p *Policy) Issue(streamID, offset string) string {
	body := make([]byte, 0, 1+2+len(streamID)+2+len(offset)+8)
	body = append(body, cursorVersion)
	body = binary.BigEndian.AppendUint16(body, uint16(len(streamID)))
	body = append(body, streamID...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(offset)))
	body = append(body, offset...)
	body = binary.BigEndian.AppendUint64(body, uint64(p.now().UnixMilli()))

	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	body = append(body, mac.Sum(nil)[:macSize]...)

	return base64.RawURLEncoding.EncodeToString(body)
}

// Verify checks a presented token against the expected stream and returns
// the offset it carries. The MAC comparison is constant-time; expiry is
// only reported for authentic tokens so the two failure modes do not leak
// information about each other.
func (p *Policy) Verify(streamID, token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalid
	}
	if len(raw) < 1+2+2+8+macSize || raw[0] != cursorVersion {
		return "", ErrInvalid
	}

	body, mac := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	want := hmac.New(sha256.New, p.secret)
	want.Write(body)
	if !hmac.Equal(mac, want.Sum(nil)[:macSize]) {
		return "", ErrInvalid
	}

	rest := body[1:]
	sidLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < sidLen+2 {
		return "", ErrInvalid
	}
	sid := string(rest[:sidLen])
	rest = rest[sidLen:]

	offLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) != offLen+8 {
		return "", ErrInvalid
	}
	offset := string(rest[:offLen])
	issuedAt := time.UnixMilli(int64(binary.BigEndian.Uint64(rest[offLen:])))

	if sid != streamID {
		return "", ErrInvalid
	}
	if p.now().Sub(issuedAt) > p.ttl {
		return "", ErrExpired
	}
	return offset, nil
}
