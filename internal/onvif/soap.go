package onvif

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// SOAP / WS-* namespace URIs.
const (
	nsSoapEnv    = "http://www.w3.org/2003/05/soap-envelope"
	nsAddressing = "http://www.w3.org/2005/08/addressing"
	nsWsse       = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsWsu        = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsDevice     = "http://www.onvif.org/ver10/device/wsdl"
	nsEvents     = "http://www.onvif.org/ver10/events/wsdl"
	nsBaseNotif  = "http://docs.oasis-open.org/wsn/b-2"

	passwordDigestType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	passwordTextType   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
	nonceEncodingType  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// buildEnvelope wraps body in a SOAP 1.2 envelope. WS-Addressing
// headers are always present; the security token is appended when tok
// is non-nil.
func buildEnvelope(serviceURL, action string, body *etree.Element, tok *securityToken) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", nsSoapEnv)
	env.CreateAttr("xmlns:wsa", nsAddressing)

	header := env.CreateElement("s:Header")
	header.CreateElement("wsa:MessageID").SetText("urn:uuid:" + uuid.NewString())
	header.CreateElement("wsa:To").SetText(serviceURL)
	header.CreateElement("wsa:Action").SetText(action)
	if tok != nil {
		header.AddChild(tok.element())
	}

	bodyEl := env.CreateElement("s:Body")
	bodyEl.AddChild(body)
	return doc
}

// securityToken is a WS-Security UsernameToken.
type securityToken struct {
	username string
	password string
	digest   bool // PasswordDigest vs PasswordText
}

// element renders the token. PasswordDigest is
// base64(SHA1(nonce ++ created ++ password)) over the raw nonce bytes
// with a millisecond-precision Created timestamp.
func (t *securityToken) element() *etree.Element {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	created := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	sec := etree.NewElement("wsse:Security")
	sec.CreateAttr("xmlns:wsse", nsWsse)
	sec.CreateAttr("xmlns:wsu", nsWsu)

	ut := sec.CreateElement("wsse:UsernameToken")
	ut.CreateElement("wsse:Username").SetText(t.username)

	pw := ut.CreateElement("wsse:Password")
	if t.digest {
		pw.CreateAttr("Type", passwordDigestType)
		pw.SetText(passwordDigest(nonce, created, t.password))
	} else {
		pw.CreateAttr("Type", passwordTextType)
		pw.SetText(t.password)
	}

	n := ut.CreateElement("wsse:Nonce")
	n.CreateAttr("EncodingType", nonceEncodingType)
	n.SetText(base64.StdEncoding.EncodeToString(nonce))

	ut.CreateElement("wsu:Created").SetText(created)
	return sec
}

func passwordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// fault is a parsed SOAP fault.
type fault struct {
	code   string
	reason string
}

func (f *fault) Error() string {
	if f.code != "" {
		return fmt.Sprintf("soap fault %s: %s", f.code, f.reason)
	}
	return "soap fault: " + f.reason
}

// authKeywords mark a fault as a 401-equivalent: the camera wants a
// different authentication method.
var authKeywords = []string{"not authorized", "password", "authentication", "credentials", "unauthorized"}

func (f *fault) isAuthFailure() bool {
	reason := strings.ToLower(f.reason)
	for _, kw := range authKeywords {
		if strings.Contains(reason, kw) {
			return true
		}
	}
	return false
}

// isSubscriptionLimit reports the firmware-side subscription table
// being full; only a power cycle clears it, so callers must not retry.
func (f *fault) isSubscriptionLimit() bool {
	reason := strings.ToLower(f.reason)
	return strings.Contains(reason, "limit") || strings.Contains(reason, "maximum")
}

func (f *fault) isStaleSubscription() bool {
	reason := strings.ToLower(f.reason)
	return strings.Contains(reason, "invalid") || strings.Contains(reason, "not found")
}

// parseFault extracts a soap Fault from a response document, matching
// on local names so any namespace prefix is accepted.
func parseFault(doc *etree.Document) *fault {
	root := doc.Root()
	if root == nil {
		return nil
	}
	el := findLocal(root, "Fault")
	if el == nil {
		return nil
	}

	f := &fault{}
	if code := findLocal(el, "Value"); code != nil {
		f.code = strings.TrimSpace(code.Text())
	} else if code := findLocal(el, "faultcode"); code != nil {
		f.code = strings.TrimSpace(code.Text())
	}
	if reason := findLocal(el, "Text"); reason != nil {
		f.reason = strings.TrimSpace(reason.Text())
	} else if reason := findLocal(el, "faultstring"); reason != nil {
		f.reason = strings.TrimSpace(reason.Text())
	} else if reason := findLocal(el, "Reason"); reason != nil {
		f.reason = strings.TrimSpace(reason.Text())
	}
	return f
}

// findLocal walks the tree depth-first for the first element with the
// given local name, ignoring namespace prefixes.
func findLocal(el *etree.Element, local string) *etree.Element {
	if el.Tag == local {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findLocal(child, local); found != nil {
			return found
		}
	}
	return nil
}

// findAllLocal collects every element with the given local name.
func findAllLocal(el *etree.Element, local string, out *[]*etree.Element) {
	if el.Tag == local {
		*out = append(*out, el)
	}
	for _, child := range el.ChildElements() {
		findAllLocal(child, local, out)
	}
}
