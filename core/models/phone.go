package models

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PhoneStatus represents the reported state of a device worker. The set of
// statuses is owned by the worker implementation; the orchestrator only
// stores and renders them.
type PhoneStatus string

const (
	StatusDisconnected PhoneStatus = "disconnected"
	StatusIdle         PhoneStatus = "idle"
	StatusInstalling   PhoneStatus = "installing"
	StatusWorking      PhoneStatus = "working"
	StatusRebooting    PhoneStatus = "rebooting"
	StatusDisabled     PhoneStatus = "disabled"
)

// PhoneConfig is the registration record for one device. It is persisted
// as-is in the registry snapshot file and handed to the worker on start.
type PhoneConfig struct {
	PhoneID    string `json:"phoneid"`
	Serial     string `json:"serial"`
	IP         string `json:"ip"`
	CmdPort    int    `json:"cmdport"`
	Hardware   string `json:"hardware"`
	OSVersion  string `json:"osver"`
	Debug      int    `json:"debug"`
	CallbackIP string `json:"callback_ip"`
}

// PhoneConfigFromQuery builds a PhoneConfig from the url-encoded device
// facts sent by a registering device. The phone id is derived from the
// hardware MAC address and the hardware model; colons in the MAC are
// normalized to underscores so the id is safe in file names.
func PhoneConfigFromQuery(data, callbackIP string) (*PhoneConfig, error) {
	values, err := url.ParseQuery(strings.ToLower(data))
	if err != nil {
		return nil, fmt.Errorf("parsing registration data: %w", err)
	}

	mac := values.Get("name")
	hardware := values.Get("hardware")
	if mac == "" || hardware == "" {
		return nil, fmt.Errorf("registration data missing name or hardware: %q", data)
	}

	cmdPort := 0
	if p := values.Get("cmdport"); p != "" {
		cmdPort, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad cmdport %q: %w", p, err)
		}
	}

	return &PhoneConfig{
		PhoneID:    strings.ReplaceAll(mac, ":", "_") + "_" + hardware,
		Serial:     strings.ToUpper(values.Get("pool")),
		IP:         values.Get("ipaddr"),
		CmdPort:    cmdPort,
		Hardware:   hardware,
		OSVersion:  values.Get("os"),
		Debug:      3,
		CallbackIP: callbackIP,
	}, nil
}

// StatusMessage is one status report from a device worker. The registry
// keeps the latest message per device plus the first message of the current
// status run; no history is retained.
type StatusMessage struct {
	PhoneID      string      `json:"phoneid"`
	Status       PhoneStatus `json:"status"`
	Timestamp    time.Time   `json:"timestamp"`
	CurrentBuild string      `json:"current_build,omitempty"`
	Message      string      `json:"msg,omitempty"`
}

// ShortDesc renders the one-line human description used in status reports.
func (m *StatusMessage) ShortDesc() string {
	if m.Message == "" {
		return string(m.Status)
	}
	return fmt.Sprintf("%s (%s)", m.Status, m.Message)
}
