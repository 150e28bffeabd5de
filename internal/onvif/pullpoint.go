package onvif

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// SOAP action URIs for the event service.
const (
	actionCreatePullPoint = "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionRequest"
	actionPullMessages    = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest"
	actionUnsubscribe     = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/UnsubscribeRequest"
)

// ErrSubscriptionLimit means the camera's subscription table is full.
// Retrying only digs the hole deeper; the camera needs a reboot or an
// expiry cycle, so callers must give up for this camera.
var ErrSubscriptionLimit = errors.New("camera subscription limit reached")

// ErrStaleSubscription means the camera no longer recognizes the
// subscription (firmware reset, table eviction). The fix is a fresh
// CreatePullPointSubscription.
var ErrStaleSubscription = errors.New("subscription no longer valid")

// resubscribeAfter is how far into a subscription's lifetime we drop
// it for a fresh one. Bodies request PT600S, so 540s leaves a safety
// margin.
const resubscribeAfter = 540 * time.Second

// subscriptionVariant is one firmware-specific shape of the
// CreatePullPointSubscription body. Variants are tried in order until
// one yields a SubscriptionReference.
type subscriptionVariant struct {
	name string
	body func() *etree.Element
}

var subscriptionVariants = []subscriptionVariant{
	// Dahua and derivatives want a short InitialTerminationTime and
	// choke on PT1H.
	{"dahua-pt600s", func() *etree.Element {
		el := newEventsElement("tev:CreatePullPointSubscription")
		el.CreateElement("tev:InitialTerminationTime").SetText("PT600S")
		return el
	}},
	{"standard-pt1h", func() *etree.Element {
		el := newEventsElement("tev:CreatePullPointSubscription")
		el.CreateElement("tev:InitialTerminationTime").SetText("PT1H")
		return el
	}},
	// Some firmwares only accept the bare request and pick their own
	// termination time.
	{"empty", func() *etree.Element {
		return newEventsElement("tev:CreatePullPointSubscription")
	}},
	{"filtered-pt60m", func() *etree.Element {
		el := newEventsElement("tev:CreatePullPointSubscription")
		filter := el.CreateElement("tev:Filter")
		topic := filter.CreateElement("wsnt:TopicExpression")
		topic.CreateAttr("xmlns:wsnt", nsBaseNotif)
		topic.CreateAttr("Dialect", "http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet")
		topic.SetText("tns1:RuleEngine//.|tns1:VideoSource//.|tns1:Device//.")
		el.CreateElement("tev:InitialTerminationTime").SetText("PT60M")
		return el
	}},
	// Unprefixed element with a default namespace, for parsers that
	// mishandle prefixes.
	{"no-prefix", func() *etree.Element {
		el := etree.NewElement("CreatePullPointSubscription")
		el.CreateAttr("xmlns", nsEvents)
		el.CreateElement("InitialTerminationTime").SetText("PT600S")
		return el
	}},
}

func newEventsElement(tag string) *etree.Element {
	el := etree.NewElement(tag)
	el.CreateAttr("xmlns:tev", nsEvents)
	return el
}

// pullShape is one way of addressing the PullMessages request. Which
// shape a camera accepts depends on firmware, so the first working one
// is cached on the subscription.
type pullShape struct {
	name string
	// target picks the POST endpoint; body builds the request element.
	target func(sub *Subscription) string
	body   func() *etree.Element
}

var pullShapes = []pullShape{
	{"sub-address", func(sub *Subscription) string { return sub.Address }, pullMessagesBody},
	{"event-service", func(sub *Subscription) string { return sub.client.EventServiceURL() }, pullMessagesBody},
	{"sub-address-no-prefix", func(sub *Subscription) string { return sub.Address }, func() *etree.Element {
		el := etree.NewElement("PullMessages")
		el.CreateAttr("xmlns", nsEvents)
		el.CreateElement("Timeout").SetText("PT5S")
		el.CreateElement("MessageLimit").SetText("100")
		return el
	}},
}

func pullMessagesBody() *etree.Element {
	el := newEventsElement("tev:PullMessages")
	el.CreateElement("tev:Timeout").SetText("PT5S")
	el.CreateElement("tev:MessageLimit").SetText("100")
	return el
}

// Subscription is a live pull-point on one camera.
type Subscription struct {
	client    *Client
	Address   string
	CreatedAt time.Time

	shape int // index into pullShapes, -1 until one works
}

// Subscribe creates a pull-point subscription, walking the body
// variants until the camera answers with a SubscriptionReference.
func Subscribe(ctx context.Context, c *Client) (*Subscription, error) {
	var lastErr error
	for _, variant := range subscriptionVariants {
		doc, err := c.Call(ctx, c.EventServiceURL(), actionCreatePullPoint, variant.body())
		if err != nil {
			var f *fault
			if errors.As(err, &f) && f.isSubscriptionLimit() {
				return nil, fmt.Errorf("%w: %s", ErrSubscriptionLimit, f.reason)
			}
			lastErr = err
			continue
		}

		addr := subscriptionAddress(doc)
		if addr == "" {
			lastErr = fmt.Errorf("variant %s: response carried no subscription reference", variant.name)
			continue
		}

		c.log.Debug().Str("variant", variant.name).Str("address", addr).Msg("pull point created")
		return &Subscription{client: c, Address: addr, CreatedAt: time.Now(), shape: -1}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no subscription variant accepted")
	}
	return nil, fmt.Errorf("create pull point: %w", lastErr)
}

// subscriptionAddress digs the wsa:Address out of the
// SubscriptionReference, accepting any prefix.
func subscriptionAddress(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	ref := findLocal(root, "SubscriptionReference")
	if ref == nil {
		return ""
	}
	addr := findLocal(ref, "Address")
	if addr == nil {
		return ""
	}
	return strings.TrimSpace(addr.Text())
}

// Expiring reports whether the subscription is close enough to its
// termination time that it should be replaced.
func (s *Subscription) Expiring() bool {
	return time.Since(s.CreatedAt) > resubscribeAfter
}

// Pull fetches pending notifications. The first request shape the
// camera accepts is cached; a stale-subscription fault surfaces as
// ErrStaleSubscription so the caller can resubscribe.
func (s *Subscription) Pull(ctx context.Context) ([]*etree.Element, error) {
	if s.shape >= 0 {
		return s.pullWith(ctx, pullShapes[s.shape])
	}

	var lastErr error
	for i, shape := range pullShapes {
		msgs, err := s.pullWith(ctx, shape)
		if err == nil {
			s.shape = i
			return msgs, nil
		}
		if errors.Is(err, ErrStaleSubscription) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("pull messages: %w", lastErr)
}

func (s *Subscription) pullWith(ctx context.Context, shape pullShape) ([]*etree.Element, error) {
	doc, err := s.client.Call(ctx, shape.target(s), actionPullMessages, shape.body())
	if err != nil {
		var f *fault
		if errors.As(err, &f) && f.isStaleSubscription() {
			return nil, fmt.Errorf("%w: %s", ErrStaleSubscription, f.reason)
		}
		return nil, err
	}

	root := doc.Root()
	if root == nil {
		return nil, nil
	}
	var msgs []*etree.Element
	findAllLocal(root, "NotificationMessage", &msgs)
	return msgs, nil
}

// Unsubscribe tears the pull point down. Best effort: cameras drop
// subscriptions on expiry anyway.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	body := etree.NewElement("wsnt:Unsubscribe")
	body.CreateAttr("xmlns:wsnt", nsBaseNotif)
	_, err := s.client.Call(ctx, s.Address, actionUnsubscribe, body)
	return err
}
