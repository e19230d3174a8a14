package sip

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrAuthentication means the platform rejected a digest computed from the
// configured credentials. That is a configuration mismatch, not a transient
// network fault, so callers back off instead of retrying in a tight loop.
var ErrAuthentication = errors.New("digest authentication rejected")

// Challenge is a parsed WWW-Authenticate digest challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Qop       string // comma separated list as sent by the server
	Algorithm string
}

// ParseChallenge parses the value of a WWW-Authenticate header.
func ParseChallenge(value string) (*Challenge, error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return nil, &MalformedError{Reason: "unsupported auth scheme in challenge: " + value}
	}

	ch := &Challenge{}
	for _, kv := range splitAuthParams(params) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch k {
		case "realm":
			ch.Realm = v
		case "nonce":
			ch.Nonce = v
		case "opaque":
			ch.Opaque = v
		case "qop":
			ch.Qop = v
		case "algorithm":
			ch.Algorithm = v
		}
	}
	if ch.Realm == "" || ch.Nonce == "" {
		return nil, &MalformedError{Reason: "challenge missing realm or nonce"}
	}
	if ch.Algorithm != "" && !strings.EqualFold(ch.Algorithm, "MD5") {
		return nil, &MalformedError{Reason: "unsupported digest algorithm: " + ch.Algorithm}
	}
	return ch, nil
}

// splitAuthParams splits comma separated auth-params, keeping quoted commas
// (qop="auth,auth-int") intact.
func splitAuthParams(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, strings.TrimSpace(cur.String()))
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DigestResponse computes the RFC 2617 digest response without qop:
// MD5(MD5(user:realm:pass) : nonce : MD5(method:uri)).
func DigestResponse(username, realm, password, method, uri, nonce string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	return md5Hex(ha1 + ":" + nonce + ":" + ha2)
}

// DigestResponseQop computes the digest response with qop=auth:
// MD5(HA1 : nonce : nc : cnonce : auth : HA2).
func DigestResponseQop(username, realm, password, method, uri, nonce, nc, cnonce string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
}

// Authorization answers the challenge for one request, returning the full
// Authorization header value. When the server offers qop it always picks
// plain "auth".
func (c *Challenge) Authorization(username, password, method, uri string) string {
	useQop := false
	for _, q := range strings.Split(c.Qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			useQop = true
			break
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`,
		username, c.Realm, c.Nonce, uri)

	if useQop {
		nc := "00000001"
		cnonce := randomHex(4)
		response := DigestResponseQop(username, c.Realm, password, method, uri, c.Nonce, nc, cnonce)
		fmt.Fprintf(&b, `, response="%s", qop=auth, nc=%s, cnonce="%s"`, response, nc, cnonce)
	} else {
		response := DigestResponse(username, c.Realm, password, method, uri, c.Nonce)
		fmt.Fprintf(&b, `, response="%s"`, response)
	}

	fmt.Fprintf(&b, `, algorithm=MD5`)
	if c.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.Opaque)
	}
	return b.String()
}
