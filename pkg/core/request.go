package core

import (
	"net/http"
	"net/url"
	"strings"
)

// Param is a single query or body parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Params is an ordered parameter list. Encoding preserves insertion order so
// the signed payload is exactly the transmitted one.
type Params []Param

// NewParams builds Params from alternating key/value pairs.
// A trailing key without a value is ignored.
func NewParams(kv ...string) Params {
	p := make(Params, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		p = p.Add(kv[i], kv[i+1])
	}
	return p
}

// Add appends a parameter, keeping any existing one with the same key.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Set replaces the value of key in place, or appends it.
func (p Params) Set(key, value string) Params {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}
	return p.Add(key, value)
}

// SetIf sets key only when value is non-empty.
func (p Params) SetIf(key, value string) Params {
	if value == "" {
		return p
	}
	return p.Set(key, value)
}

// Get returns the first value for key.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Del removes every parameter named key.
func (p Params) Del(key string) Params {
	out := p[:0:0]
	for _, kv := range p {
		if kv.Key != key {
			out = append(out, kv)
		}
	}
	return out
}

// Clone returns an independent copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Len returns the number of parameters.
func (p Params) Len() int {
	return len(p)
}

// Keys returns parameter names in order.
func (p Params) Keys() []string {
	keys := make([]string, len(p))
	for i, kv := range p {
		keys[i] = kv.Key
	}
	return keys
}

// Encode serializes the parameters as a query string in insertion order.
func (p Params) Encode() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// Security describes what authentication an endpoint requires.
type Security int

// Security levels.
const (
	// SecurityNone marks a public endpoint.
	SecurityNone Security = iota
	// SecurityAPIKey sends the API key header without a signature.
	SecurityAPIKey
	// SecuritySigned adds timestamp, recvWindow and signature.
	SecuritySigned
)

// String returns the string representation of the security level.
func (s Security) String() string {
	switch s {
	case SecurityAPIKey:
		return "API_KEY"
	case SecuritySigned:
		return "SIGNED"
	default:
		return "NONE"
	}
}

// Request describes one REST call before authentication is applied.
type Request struct {
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Params     Params   `json:"params,omitempty"`
	Security   Security `json:"security"`
	Weight     int      `json:"weight"`
	Idempotent bool     `json:"idempotent"`
	// Bucket names a secondary limit the request also counts against, e.g. orders.
	Bucket string `json:"bucket,omitempty"`
}

// NewRequest creates a request. GET requests are idempotent by default.
func NewRequest(method, path string) *Request {
	return &Request{
		Method:     method,
		Path:       path,
		Weight:     1,
		Idempotent: method == http.MethodGet,
	}
}

func (r *Request) SetParam(key, value string) *Request {
	r.Params = r.Params.Set(key, value)
	return r
}

func (r *Request) SetParams(params Params) *Request {
	for _, kv := range params {
		r.Params = r.Params.Set(kv.Key, kv.Value)
	}
	return r
}

func (r *Request) SetSecurity(security Security) *Request {
	r.Security = security
	return r
}

func (r *Request) SetWeight(weight int) *Request {
	r.Weight = weight
	return r
}

// SetIdempotent marks whether the dispatcher may resend the request after a
// transient failure.
func (r *Request) SetIdempotent(idempotent bool) *Request {
	r.Idempotent = idempotent
	return r
}

// SetBucket assigns the request to a named secondary rate limit.
func (r *Request) SetBucket(bucket string) *Request {
	r.Bucket = bucket
	return r
}

// Endpoint returns "METHOD /path" for logs and errors.
func (r *Request) Endpoint() string {
	return r.Method + " " + r.Path
}
