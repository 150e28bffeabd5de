package onvif

import (
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Event is one normalized camera notification, ready for upload.
type Event struct {
	CameraIP  string            `json:"camera_ip"`
	EventType string            `json:"event_type"`
	Severity  string            `json:"severity"`
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Source    map[string]string `json:"source,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// topicRules map topic substrings to normalized event types. First
// match wins, so the more specific rules sit before the catch-alls.
var topicRules = []struct {
	substr    string
	eventType string
}{
	{"motion", "motion_detection"},
	{"tamper", "tampering"},
	{"linedetector", "line_crossing"},
	{"linecross", "line_crossing"},
	{"fielddetector", "intrusion_detection"},
	{"intrusion", "intrusion_detection"},
	{"facedetect", "face_detection"},
	{"face", "face_detection"},
	{"objectdetect", "object_detection"},
	{"object", "object_detection"},
	{"videoloss", "video_loss"},
	{"videosource/imagetoodark", "video_loss"},
	{"storage", "storage_event"},
	{"recording", "storage_event"},
	{"digitalinput", "alarm_input"},
	{"alarm", "alarm_input"},
	{"networkdisconnect", "connection_event"},
	{"connection", "connection_event"},
	{"ruleengine", "analytics_event"},
	{"videoanalytics", "analytics_event"},
	{"analytics", "analytics_event"},
}

func classifyTopic(topic string) string {
	lower := strings.ToLower(topic)
	for _, rule := range topicRules {
		if strings.Contains(lower, rule.substr) {
			return rule.eventType
		}
	}
	return "generic_event"
}

func severityFor(eventType string) string {
	switch eventType {
	case "tampering", "video_loss":
		return "critical"
	case "intrusion_detection", "line_crossing", "alarm_input":
		return "warning"
	default:
		return "info"
	}
}

// parseNotification turns one NotificationMessage element into an
// Event. Topic, Source and Data are matched by local name so the
// namespace prefixes each vendor uses do not matter.
func parseNotification(cameraIP string, msg *etree.Element) Event {
	ev := Event{
		CameraIP:  cameraIP,
		Timestamp: time.Now().UTC(),
		Source:    map[string]string{},
		Data:      map[string]string{},
	}

	if topic := findLocal(msg, "Topic"); topic != nil {
		ev.Topic = strings.TrimSpace(topic.Text())
	}
	ev.EventType = classifyTopic(ev.Topic)
	ev.Severity = severityFor(ev.EventType)

	message := findLocal(msg, "Message")
	if message == nil {
		return ev
	}

	// The inner tt:Message carries the UtcTime attribute; the outer
	// wrapper does not, so walk one level in when needed.
	inner := message
	if ts := message.SelectAttrValue("UtcTime", ""); ts == "" {
		for _, child := range message.ChildElements() {
			if child.Tag == "Message" {
				inner = child
				break
			}
		}
	}
	if ts := inner.SelectAttrValue("UtcTime", ""); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.Timestamp = parsed.UTC()
		}
	}

	if src := findLocal(inner, "Source"); src != nil {
		collectSimpleItems(src, ev.Source)
	}
	if data := findLocal(inner, "Data"); data != nil {
		collectSimpleItems(data, ev.Data)
	}
	return ev
}

func collectSimpleItems(el *etree.Element, into map[string]string) {
	var items []*etree.Element
	findAllLocal(el, "SimpleItem", &items)
	for _, item := range items {
		name := item.SelectAttrValue("Name", "")
		if name == "" {
			continue
		}
		into[name] = item.SelectAttrValue("Value", "")
	}
}

// dedupWindow is the cooldown per (camera, topic) pair. Cameras
// re-emit the same notification on every poll while the condition
// holds; one event per window is plenty.
const dedupWindow = 2 * time.Second

// Deduper suppresses repeats of the same topic from the same camera
// inside a short window.
type Deduper struct {
	seen *expirable.LRU[string, struct{}]
}

func NewDeduper() *Deduper {
	return &Deduper{seen: expirable.NewLRU[string, struct{}](1024, nil, dedupWindow)}
}

// Admit reports whether the event should pass. The first event for a
// (camera, topic) pair passes and arms the window; repeats inside the
// window are dropped.
func (d *Deduper) Admit(ev Event) bool {
	key := ev.CameraIP + "|" + ev.Topic
	if _, ok := d.seen.Get(key); ok {
		return false
	}
	d.seen.Add(key, struct{}{})
	return true
}
