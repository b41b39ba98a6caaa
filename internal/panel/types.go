package panel

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Inbound is a 3x-ui inbound configuration. The panel encodes the nested
// settings and streamSettings objects as JSON strings, so they stay opaque
// here and are decoded on demand.
type Inbound struct {
	ID             int    `json:"id,omitempty"`
	Up             int64  `json:"up"`
	Down           int64  `json:"down"`
	Total          int64  `json:"total"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	ExpiryTime     int64  `json:"expiryTime"`
	Listen         string `json:"listen,omitempty"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Tag            string `json:"tag,omitempty"`
	Sniffing       string `json:"sniffing,omitempty"`
}

// InboundSettings is the decoded form of Inbound.Settings.
type InboundSettings struct {
	Clients    []ClientSettings `json:"clients"`
	Decryption string           `json:"decryption,omitempty"`
	Fallbacks  []any            `json:"fallbacks,omitempty"`
}

// DecodeSettings parses the inbound's settings payload.
func (i *Inbound) DecodeSettings() (InboundSettings, error) {
	var s InboundSettings
	if i.Settings == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(i.Settings), &s); err != nil {
		return s, fmt.Errorf("failed to decode inbound settings: %w", err)
	}
	return s, nil
}

// EncodeSettings replaces the inbound's settings payload.
func (i *Inbound) EncodeSettings(s InboundSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode inbound settings: %w", err)
	}
	i.Settings = string(data)
	return nil
}

// ClientSettings is one proxy client inside an inbound.
type ClientSettings struct {
	ID         string `json:"id"`
	Email      string `json:"email,omitempty"`
	Flow       string `json:"flow,omitempty"`
	LimitIP    int    `json:"limitIp,omitempty"`
	TotalGB    int64  `json:"totalGB,omitempty"`
	ExpiryTime int64  `json:"expiryTime,omitempty"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId,omitempty"`
	SubID      string `json:"subId,omitempty"`
}

// NewClientSettings returns client settings with generated identifiers where
// none were supplied.
func NewClientSettings(email, flow string) ClientSettings {
	return ClientSettings{
		ID:     uuid.NewString(),
		Email:  email,
		Flow:   flow,
		Enable: true,
		SubID:  uuid.NewString()[:16],
	}
}

// ServerStatus is the panel's status object. The panel's schema varies
// between versions, so it is kept as a raw map.
type ServerStatus map[string]any

// apiResponse is the envelope every panel endpoint responds with.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}
