package onvif

import (
	"context"
	"strings"

	"github.com/beevik/etree"
)

const (
	actionGetDeviceInfo   = "http://www.onvif.org/ver10/device/wsdl/GetDeviceInformation"
	actionGetCapabilities = "http://www.onvif.org/ver10/device/wsdl/GetServiceCapabilities"
)

// DeviceInfo is the identity block cameras return from
// GetDeviceInformation.
type DeviceInfo struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
	SerialNumber    string `json:"serial_number"`
	HardwareID      string `json:"hardware_id"`
}

// GetDeviceInformation probes the device service. Besides the identity
// data, a successful call proves the credentials and negotiates the
// auth method for later event calls.
func (c *Client) GetDeviceInformation(ctx context.Context) (DeviceInfo, error) {
	body := etree.NewElement("tds:GetDeviceInformation")
	body.CreateAttr("xmlns:tds", nsDevice)

	doc, err := c.Call(ctx, c.DeviceServiceURL(), actionGetDeviceInfo, body)
	if err != nil {
		return DeviceInfo{}, err
	}

	info := DeviceInfo{}
	root := doc.Root()
	if root == nil {
		return info, nil
	}
	pick := func(local string) string {
		if el := findLocal(root, local); el != nil {
			return strings.TrimSpace(el.Text())
		}
		return ""
	}
	info.Manufacturer = pick("Manufacturer")
	info.Model = pick("Model")
	info.FirmwareVersion = pick("FirmwareVersion")
	info.SerialNumber = pick("SerialNumber")
	info.HardwareID = pick("HardwareId")
	return info, nil
}

// EventCapabilities summarizes what the events service advertises.
type EventCapabilities struct {
	BasicNotification      bool `json:"basic_notification_interface"`
	PullPoint              bool `json:"pull_point"`
	PersistentNotification bool `json:"persistent_notification"`
}

// CheckCapabilities asks the device service what the events service
// supports. Cameras that answer the call at all usually support pull
// points; a missing WSPullPointSupport attribute is treated as support
// to avoid false negatives on sloppy firmware. The other two are taken
// at face value.
func (c *Client) CheckCapabilities(ctx context.Context) (EventCapabilities, error) {
	body := etree.NewElement("tds:GetServiceCapabilities")
	body.CreateAttr("xmlns:tds", nsDevice)

	doc, err := c.Call(ctx, c.DeviceServiceURL(), actionGetCapabilities, body)
	if err != nil {
		return EventCapabilities{}, err
	}

	caps := EventCapabilities{PullPoint: true}
	root := doc.Root()
	if root == nil {
		return caps, nil
	}
	attr := func(name string) (bool, bool) {
		var els []*etree.Element
		findAllLocal(root, "Capabilities", &els)
		for _, el := range els {
			if v := el.SelectAttrValue(name, ""); v != "" {
				return strings.EqualFold(v, "true"), true
			}
		}
		return false, false
	}
	if v, ok := attr("WSPullPointSupport"); ok {
		caps.PullPoint = v
	}
	if v, ok := attr("WSSubscriptionPolicySupport"); ok {
		caps.BasicNotification = v
	}
	if v, ok := attr("PersistentNotificationStorage"); ok {
		caps.PersistentNotification = v
	}
	return caps, nil
}
