package rtsp

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// challenge is a parsed WWW-Authenticate header.
type challenge struct {
	scheme string // "Digest" or "Basic"
	params map[string]string
}

func parseChallenge(header string) challenge {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	ch := challenge{scheme: scheme, params: map[string]string{}}
	for _, part := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		ch.params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return ch
}

// buildAuthorization selects Digest when the challenge carries both a
// realm and a nonce, and falls back to Basic otherwise.
func buildAuthorization(header string, t *target) (authType, value string, err error) {
	if header == "" {
		return "Basic", basicAuthorization(t), nil
	}
	ch := parseChallenge(header)
	if strings.EqualFold(ch.scheme, "Digest") && ch.params["realm"] != "" && ch.params["nonce"] != "" {
		v, err := digestAuthorization(ch, t, newCnonce())
		return "Digest", v, err
	}
	return "Basic", basicAuthorization(t), nil
}

func basicAuthorization(t *target) string {
	cred := base64.StdEncoding.EncodeToString([]byte(t.username + ":" + t.password))
	return "Basic " + cred
}

// digestAuthorization implements RFC 2617 for the DESCRIBE method,
// including the qop=auth variant. The digest-uri is the path only.
func digestAuthorization(ch challenge, t *target, cnonce string) (string, error) {
	realm := ch.params["realm"]
	nonce := ch.params["nonce"]
	opaque := ch.params["opaque"]
	qop := ch.params["qop"]

	digestURI := t.path

	ha1 := md5hex(fmt.Sprintf("%s:%s:%s", t.username, realm, t.password))
	ha2 := md5hex("DESCRIBE:" + digestURI)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`,
		t.username, realm, nonce, digestURI)

	if qopContainsAuth(qop) {
		const nc = "00000001"
		resp := md5hex(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, nonce, nc, cnonce, ha2))
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s", response="%s"`, nc, cnonce, resp)
	} else {
		resp := md5hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
		fmt.Fprintf(&b, `, response="%s"`, resp)
	}
	if opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	return b.String(), nil
}

func qopContainsAuth(qop string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			return true
		}
	}
	return false
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newCnonce returns an 8-hex-char client nonce.
func newCnonce() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
