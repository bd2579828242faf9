package config

// ChannelsConfig holds optional ingress channels besides the Twilio webhook.
type ChannelsConfig struct {
	WhatsAppBridge WhatsAppBridgeConfig `json:"whatsapp_bridge"`
}

// WhatsAppBridgeConfig connects to a whatsapp-web.js style WebSocket bridge.
type WhatsAppBridgeConfig struct {
	Enabled   bool   `json:"enabled"`
	BridgeURL string `json:"bridge_url"`
	Token     string `json:"-"` // from env WACODER_BRIDGE_TOKEN only, sent as bearer token on dial
}

// HasCredentials reports whether Twilio REST delivery can be used.
func (t TwilioConfig) HasCredentials() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

// SignatureSecret returns the shared secret for the configured signature scheme.
func (c *Config) SignatureSecret() string {
	if c.Webhook.SignatureScheme == "hmac-sha256" {
		return c.Webhook.Secret
	}
	return c.Twilio.AuthToken
}
