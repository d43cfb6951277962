// Package auth signs requests and supplies request timestamps.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"nakula/pkg/core"
)

// Names the signer owns. Caller-supplied values for these are discarded.
const (
	ParamTimestamp  = "timestamp"
	ParamRecvWindow = "recvWindow"
	ParamSignature  = "signature"

	// HeaderAPIKey carries the public key on authenticated requests.
	HeaderAPIKey = "X-MBX-APIKEY"
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload, secret string) (string, error) {
	if secret == "" {
		return "", core.NewConfigError(core.ErrEmptySecret)
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize builds the payload to sign: caller parameters in insertion
// order, then recvWindow, then timestamp. A zero recvWindow is omitted.
func Canonicalize(params core.Params, recvWindow time.Duration, timestamp int64) string {
	out := make(core.Params, 0, len(params)+2)
	for _, kv := range params {
		switch kv.Key {
		case ParamTimestamp, ParamRecvWindow, ParamSignature:
			continue
		}
		out = append(out, kv)
	}
	if recvWindow > 0 {
		out = out.Add(ParamRecvWindow, strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	out = out.Add(ParamTimestamp, strconv.FormatInt(timestamp, 10))
	return out.Encode()
}

// Signer signs parameter lists with one credential pair.
type Signer struct {
	creds      *core.Credentials
	recvWindow time.Duration
}

// NewSigner returns a Signer. recvWindow of zero omits the parameter.
func NewSigner(creds *core.Credentials, recvWindow time.Duration) (*Signer, error) {
	if creds == nil {
		return nil, core.NewConfigError(core.ErrNoCredentials)
	}
	return &Signer{creds: creds, recvWindow: recvWindow}, nil
}

// APIKey returns the key for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string {
	return s.creds.APIKey()
}

// SignParams returns the exact query string to transmit, ending in the signature.
func (s *Signer) SignParams(params core.Params, timestamp int64) (string, error) {
	payload := Canonicalize(params, s.recvWindow, timestamp)
	sig, err := Sign(payload, s.creds.SecretKey())
	if err != nil {
		return "", err
	}
	return payload + "&" + ParamSignature + "=" + sig, nil
}
