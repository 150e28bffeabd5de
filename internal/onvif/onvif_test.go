package onvif

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const soapContentType = "application/soap+xml"

func soapFault(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", soapContentType)
	fmt.Fprintf(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
  <s:Body>
    <s:Fault>
      <s:Code><s:Value>s:Sender</s:Value></s:Code>
      <s:Reason><s:Text xml:lang="en">%s</s:Text></s:Reason>
    </s:Fault>
  </s:Body>
</s:Envelope>`, reason)
}

func soapBody(w http.ResponseWriter, inner string) {
	w.Header().Set("Content-Type", soapContentType)
	fmt.Fprintf(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
  <s:Body>%s</s:Body>
</s:Envelope>`, inner)
}

// requestSecurity classifies the auth material in a request body.
func requestSecurity(body []byte) (tokenType string) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return ""
	}
	root := doc.Root()
	if root == nil {
		return ""
	}
	pw := findLocal(root, "Password")
	if pw == nil {
		return ""
	}
	t := pw.SelectAttrValue("Type", "")
	switch {
	case strings.HasSuffix(t, "#PasswordDigest"):
		return "digest"
	case strings.HasSuffix(t, "#PasswordText"):
		return "text"
	}
	return "unknown"
}

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u := strings.TrimPrefix(srv.URL, "http://")
	host, port, ok := strings.Cut(u, ":")
	require.True(t, ok)
	var p int
	_, err := fmt.Sscanf(port, "%d", &p)
	require.NoError(t, err)
	c := NewClient(host, p, "admin", "secret", zerolog.Nop())
	// Point the well-known service paths at the test server.
	return c
}

func deviceInfoResponse() string {
	return `<tds:GetDeviceInformationResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
	  <tds:Manufacturer>Hikvision</tds:Manufacturer>
	  <tds:Model>DS-2CD2085</tds:Model>
	  <tds:FirmwareVersion>V5.7.3</tds:FirmwareVersion>
	  <tds:SerialNumber>ABC123</tds:SerialNumber>
	  <tds:HardwareId>88</tds:HardwareId>
	</tds:GetDeviceInformationResponse>`
}

func TestAuthDiscoveryFallsThroughToPasswordText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if requestSecurity(body) == "text" {
			soapBody(w, deviceInfoResponse())
			return
		}
		soapFault(w, "Sender not authorized")
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	info, err := c.GetDeviceInformation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hikvision", info.Manufacturer)
	assert.Equal(t, "DS-2CD2085", info.Model)

	method, ok := c.AuthMethodInUse()
	require.True(t, ok)
	assert.Equal(t, AuthWSSText, method)
}

func TestAuthDiscoveryPrefersWSSDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if requestSecurity(body) == "digest" {
			soapBody(w, deviceInfoResponse())
			return
		}
		soapFault(w, "authentication failed")
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	_, err := c.GetDeviceInformation(context.Background())
	require.NoError(t, err)

	method, ok := c.AuthMethodInUse()
	require.True(t, ok)
	// The http-digest+wss method carries the digest token too, and it
	// sits earlier in the order.
	assert.Equal(t, AuthHTTPDigestWSS, method)
}

func TestAuthExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		soapFault(w, "bad credentials")
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	_, err := c.GetDeviceInformation(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")

	// Established-less and exhausted: the next call fails fast.
	_, err = c.GetDeviceInformation(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected every authentication method")
}

func TestHTTPDigestChallenge(t *testing.T) {
	const realm, nonce = "onvif", "abc123nonce"
	md5hex := func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest realm="%s", nonce="%s", qop="auth"`, realm, nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		params := map[string]string{}
		for _, part := range strings.Split(strings.TrimPrefix(auth, "Digest "), ",") {
			k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
			params[k] = strings.Trim(v, `"`)
		}
		ha1 := md5hex("admin:" + realm + ":secret")
		ha2 := md5hex("POST:" + params["uri"])
		want := md5hex(strings.Join([]string{ha1, nonce, params["nc"], params["cnonce"], "auth", ha2}, ":"))
		if params["response"] != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		soapBody(w, deviceInfoResponse())
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	info, err := c.GetDeviceInformation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ABC123", info.SerialNumber)

	method, ok := c.AuthMethodInUse()
	require.True(t, ok)
	assert.Equal(t, AuthHTTPDigest, method)
}

func TestCheckCapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "GetServiceCapabilities") {
			soapBody(w, `<tev:GetServiceCapabilitiesResponse xmlns:tev="http://www.onvif.org/ver10/events/wsdl">
			  <tev:Capabilities WSSubscriptionPolicySupport="true" WSPullPointSupport="true" PersistentNotificationStorage="false"/>
			</tev:GetServiceCapabilitiesResponse>`)
			return
		}
		soapBody(w, deviceInfoResponse())
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	caps, err := c.CheckCapabilities(context.Background())
	require.NoError(t, err)
	assert.True(t, caps.BasicNotification)
	assert.True(t, caps.PullPoint)
	assert.False(t, caps.PersistentNotification)
}

func TestCheckCapabilitiesDefaultsPullPointWhenUnadvertised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "GetServiceCapabilities") {
			soapBody(w, `<tev:GetServiceCapabilitiesResponse xmlns:tev="http://www.onvif.org/ver10/events/wsdl">
			  <tev:Capabilities/>
			</tev:GetServiceCapabilitiesResponse>`)
			return
		}
		soapBody(w, deviceInfoResponse())
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	caps, err := c.CheckCapabilities(context.Background())
	require.NoError(t, err)
	assert.True(t, caps.PullPoint, "sloppy firmware that hides the attribute still gets a subscription attempt")
	assert.False(t, caps.BasicNotification)
	assert.False(t, caps.PersistentNotification)
}

func TestSubscribeVariantFallback(t *testing.T) {
	var addr string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "CreatePullPointSubscription") {
			soapBody(w, deviceInfoResponse())
			return
		}
		calls++
		// Reject bodies that carry an InitialTerminationTime; only the
		// bare variant is accepted.
		if strings.Contains(string(body), "InitialTerminationTime") {
			soapFault(w, "ter:ActionNotSupported InitialTerminationTime rejected")
			return
		}
		soapBody(w, fmt.Sprintf(`<tev:CreatePullPointSubscriptionResponse xmlns:tev="http://www.onvif.org/ver10/events/wsdl" xmlns:wsa="http://www.w3.org/2005/08/addressing">
		  <tev:SubscriptionReference><wsa:Address>%s</wsa:Address></tev:SubscriptionReference>
		</tev:CreatePullPointSubscriptionResponse>`, addr))
	}))
	defer srv.Close()
	addr = srv.URL + "/onvif/subscription?Idx=0"

	c := clientFor(t, srv)
	sub, err := Subscribe(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, addr, sub.Address)
	// Two termination-time variants rejected before the bare one landed.
	assert.Equal(t, 3, calls)
}

func TestSubscribeLimitAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "CreatePullPointSubscription") {
			soapFault(w, "maximum number of subscriptions reached")
			return
		}
		soapBody(w, deviceInfoResponse())
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	_, err := Subscribe(context.Background(), c)
	require.ErrorIs(t, err, ErrSubscriptionLimit)
}

func TestPullMessagesParsesNotifications(t *testing.T) {
	notif := `<tev:PullMessagesResponse xmlns:tev="http://www.onvif.org/ver10/events/wsdl" xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2" xmlns:tt="http://www.onvif.org/ver10/schema">
	  <tev:CurrentTime>2026-08-26T10:00:05Z</tev:CurrentTime>
	  <wsnt:NotificationMessage>
	    <wsnt:Topic Dialect="http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet">tns1:RuleEngine/CellMotionDetector/Motion</wsnt:Topic>
	    <wsnt:Message>
	      <tt:Message UtcTime="2026-08-26T10:00:04Z">
	        <tt:Source><tt:SimpleItem Name="VideoSourceConfigurationToken" Value="VideoSourceToken"/></tt:Source>
	        <tt:Data><tt:SimpleItem Name="IsMotion" Value="true"/></tt:Data>
	      </tt:Message>
	    </wsnt:Message>
	  </wsnt:NotificationMessage>
	</tev:PullMessagesResponse>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "PullMessages") {
			soapBody(w, notif)
			return
		}
		soapBody(w, deviceInfoResponse())
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	sub := &Subscription{client: c, Address: srv.URL + "/sub", CreatedAt: time.Now(), shape: -1}

	msgs, err := sub.Pull(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	ev := parseNotification("192.168.1.64", msgs[0])
	assert.Equal(t, "motion_detection", ev.EventType)
	assert.Equal(t, "info", ev.Severity)
	assert.Equal(t, "tns1:RuleEngine/CellMotionDetector/Motion", ev.Topic)
	assert.Equal(t, "true", ev.Data["IsMotion"])
	assert.Equal(t, "VideoSourceToken", ev.Source["VideoSourceConfigurationToken"])
	assert.Equal(t, time.Date(2026, 8, 26, 10, 0, 4, 0, time.UTC), ev.Timestamp)

	// First successful shape is cached.
	assert.Equal(t, 0, sub.shape)
}

func TestExpiringSubscriptionIsReplacedNotExtended(t *testing.T) {
	var mu sync.Mutex
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s := string(body)
		mu.Lock()
		switch {
		case strings.Contains(s, "Unsubscribe"):
			actions = append(actions, "unsubscribe")
		case strings.Contains(s, "PullMessages"):
			actions = append(actions, "pull")
		case strings.Contains(s, "Renew"):
			actions = append(actions, "renew")
		}
		mu.Unlock()
		soapBody(w, `<wsnt:UnsubscribeResponse xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"/>`)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	l := NewListener(c, nil)
	sub := &Subscription{client: c, Address: srv.URL + "/sub", CreatedAt: time.Now().Add(-10 * time.Minute), shape: 0}
	require.True(t, sub.Expiring())

	again := l.poll(context.Background(), sub)
	assert.True(t, again, "poll hands control back so run creates a fresh subscription")

	// The old pull point is torn down and no message is pulled on it.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"unsubscribe"}, actions)
}

func TestPullStaleSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "PullMessages") {
			soapFault(w, "ter:InvalidArgVal subscription not found")
			return
		}
		soapBody(w, deviceInfoResponse())
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	sub := &Subscription{client: c, Address: srv.URL + "/sub", CreatedAt: time.Now(), shape: -1}
	_, err := sub.Pull(context.Background())
	require.ErrorIs(t, err, ErrStaleSubscription)
}

func TestClassifyTopic(t *testing.T) {
	cases := map[string]string{
		"tns1:RuleEngine/CellMotionDetector/Motion":   "motion_detection",
		"tns1:VideoSource/GlobalSceneChange/Tamper":   "tampering",
		"tns1:RuleEngine/LineDetector/Crossed":        "line_crossing",
		"tns1:RuleEngine/FieldDetector/ObjectsInside": "intrusion_detection",
		"tns1:RuleEngine/FaceDetector/Face":           "face_detection",
		"tns1:VideoSource/VideoLoss":                  "video_loss",
		"tns1:Device/HardwareFailure/StorageFailure":  "storage_event",
		"tns1:Device/Trigger/DigitalInput":            "alarm_input",
		"tns1:Monitoring/NetworkDisconnect":           "connection_event",
		"tns1:RuleEngine/ObjectDetector/Object":       "object_detection",
		"tns1:RuleEngine/Recognition/Match":           "analytics_event",
		"tns1:UserAlarm/Whatever":                     "alarm_input",
		"tns1:Something/Else":                         "generic_event",
	}
	for topic, want := range cases {
		assert.Equal(t, want, classifyTopic(topic), topic)
	}
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "critical", severityFor("tampering"))
	assert.Equal(t, "critical", severityFor("video_loss"))
	assert.Equal(t, "warning", severityFor("intrusion_detection"))
	assert.Equal(t, "warning", severityFor("line_crossing"))
	assert.Equal(t, "warning", severityFor("alarm_input"))
	assert.Equal(t, "info", severityFor("motion_detection"))
	assert.Equal(t, "info", severityFor("generic_event"))
}

func TestDeduper(t *testing.T) {
	d := NewDeduper()
	ev := Event{CameraIP: "10.0.0.5", Topic: "tns1:RuleEngine/Motion"}

	assert.True(t, d.Admit(ev))
	assert.False(t, d.Admit(ev))

	other := Event{CameraIP: "10.0.0.5", Topic: "tns1:VideoSource/Tamper"}
	assert.True(t, d.Admit(other))

	elsewhere := Event{CameraIP: "10.0.0.6", Topic: "tns1:RuleEngine/Motion"}
	assert.True(t, d.Admit(elsewhere))
}

func TestParseFaultShapes(t *testing.T) {
	soap12 := `<?xml version="1.0"?>
	<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	  <s:Body><s:Fault>
	    <s:Code><s:Value>s:Sender</s:Value></s:Code>
	    <s:Reason><s:Text>Not Authorized</s:Text></s:Reason>
	  </s:Fault></s:Body>
	</s:Envelope>`
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(soap12))
	f := parseFault(doc)
	require.NotNil(t, f)
	assert.Equal(t, "s:Sender", f.code)
	assert.True(t, f.isAuthFailure())

	soap11 := `<?xml version="1.0"?>
	<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
	  <soap:Body><soap:Fault>
	    <faultcode>soap:Client</faultcode>
	    <faultstring>subscription limit exceeded</faultstring>
	  </soap:Fault></soap:Body>
	</soap:Envelope>`
	doc = etree.NewDocument()
	require.NoError(t, doc.ReadFromString(soap11))
	f = parseFault(doc)
	require.NotNil(t, f)
	assert.True(t, f.isSubscriptionLimit())

	ok := `<?xml version="1.0"?>
	<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	  <s:Body><x:Thing xmlns:x="urn:x"/></s:Body>
	</s:Envelope>`
	doc = etree.NewDocument()
	require.NoError(t, doc.ReadFromString(ok))
	assert.Nil(t, parseFault(doc))
}
