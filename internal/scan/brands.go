package scan

import "strings"

// Brand identifies a camera vendor inferred from HTTP banners or
// characteristic ports. Never authoritative.
type Brand string

const (
	BrandHikvision Brand = "hikvision"
	BrandDahua     Brand = "dahua"
	BrandIntelbras Brand = "intelbras"
	BrandHanwha    Brand = "hanwha"
	BrandFoscam    Brand = "foscam"
	BrandAxis      Brand = "axis"
	BrandVivotek   Brand = "vivotek"
	BrandTPLink    Brand = "tplink"
	BrandGeneric   Brand = "generic"
)

// Profile carries everything the agent knows about a vendor: banner
// keywords, RTSP URL templates (ordered, most common first) and the
// factory-default credential hints offered to the operator.
type Profile struct {
	Brand            Brand
	DisplayName      string
	Keywords         []string
	Templates        []string
	DefaultUsers     []string
	DefaultPasswords []string
}

var profiles = []Profile{
	{
		Brand:       BrandHikvision,
		DisplayName: "Hikvision",
		Keywords:    []string{"hikvision", "hik-connect", "webs/", "dnvrs-webs"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/Streaming/Channels/101",
			"rtsp://{user}:{pass}@{ip}:554/Streaming/Channels/102",
			"rtsp://{user}:{pass}@{ip}:554/h264/ch1/main/av_stream",
		},
		DefaultUsers:     []string{"admin"},
		DefaultPasswords: []string{"12345", "admin12345", "hik12345"},
	},
	{
		Brand:       BrandDahua,
		DisplayName: "Dahua",
		Keywords:    []string{"dahua", "dhwebclient", "dh_web"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/cam/realmonitor?channel=1&subtype=0",
			"rtsp://{user}:{pass}@{ip}:554/cam/realmonitor?channel=1&subtype=1",
		},
		DefaultUsers:     []string{"admin"},
		DefaultPasswords: []string{"admin", "admin123"},
	},
	{
		Brand:       BrandIntelbras,
		DisplayName: "Intelbras",
		Keywords:    []string{"intelbras", "defense ip"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/cam/realmonitor?channel=1&subtype=0",
			"rtsp://{user}:{pass}@{ip}:554/cam/realmonitor?channel=1&subtype=1",
		},
		DefaultUsers:     []string{"admin"},
		DefaultPasswords: []string{"admin", "intelbras"},
	},
	{
		Brand:       BrandHanwha,
		DisplayName: "Hanwha Techwin",
		Keywords:    []string{"hanwha", "samsung techwin", "wisenet"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/profile2/media.smp",
			"rtsp://{user}:{pass}@{ip}:554/profile1/media.smp",
		},
		DefaultUsers:     []string{"admin"},
		DefaultPasswords: []string{"4321", "admin"},
	},
	{
		Brand:       BrandFoscam,
		DisplayName: "Foscam",
		Keywords:    []string{"foscam", "ipcam client", "netwave"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/videoMain",
			"rtsp://{user}:{pass}@{ip}:88/videoMain",
		},
		DefaultUsers:     []string{"admin"},
		DefaultPasswords: []string{"", "admin", "foscam"},
	},
	{
		Brand:       BrandAxis,
		DisplayName: "Axis",
		Keywords:    []string{"axis", "axis-cgi"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/axis-media/media.amp",
		},
		DefaultUsers:     []string{"root"},
		DefaultPasswords: []string{"pass", "root"},
	},
	{
		Brand:       BrandVivotek,
		DisplayName: "Vivotek",
		Keywords:    []string{"vivotek"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/live.sdp",
		},
		DefaultUsers:     []string{"root"},
		DefaultPasswords: []string{"root"},
	},
	{
		Brand:       BrandTPLink,
		DisplayName: "TP-Link",
		Keywords:    []string{"tp-link", "tplink", "tapo", "vigi"},
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/stream1",
			"rtsp://{user}:{pass}@{ip}:554/stream2",
		},
		DefaultUsers:     []string{"admin"},
		DefaultPasswords: []string{"admin"},
	},
	{
		Brand:       BrandGeneric,
		DisplayName: "Generic IP Camera",
		Keywords:    nil,
		Templates: []string{
			"rtsp://{user}:{pass}@{ip}:554/",
			"rtsp://{user}:{pass}@{ip}:554/stream1",
			"rtsp://{user}:{pass}@{ip}:554/live",
			"rtsp://{user}:{pass}@{ip}:554/h264",
		},
		DefaultUsers:     []string{"admin"},
		DefaultPasswords: []string{"admin", "12345", ""},
	},
}

// portBrandHints maps proprietary service ports to the vendor that
// ships them, with the confidence assigned when no banner matched.
var portBrandHints = []struct {
	port       uint16
	brand      Brand
	confidence float64
}{
	{37777, BrandIntelbras, 0.7},
	{8000, BrandHikvision, 0.7},
	{4520, BrandHanwha, 0.6},
	{88, BrandFoscam, 0.5},
}

func profileFor(b Brand) Profile {
	for _, p := range profiles {
		if p.Brand == b {
			return p
		}
	}
	return profiles[len(profiles)-1] // generic
}

// matchBanner returns the first brand whose keyword appears in the
// lowercased banner text.
func matchBanner(text string) (Brand, bool) {
	text = strings.ToLower(text)
	for _, p := range profiles {
		for _, kw := range p.Keywords {
			if strings.Contains(text, kw) {
				return p.Brand, true
			}
		}
	}
	return "", false
}

// FillTemplate substitutes the {user}, {pass} and {ip} placeholders.
func FillTemplate(template, user, pass, ip string) string {
	r := strings.NewReplacer("{user}", user, "{pass}", pass, "{ip}", ip)
	return r.Replace(template)
}
