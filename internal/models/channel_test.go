package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelConfig_Validate(t *testing.T) {
	valid := ChannelConfig{
		ChannelID:      "ch-1",
		OrganizationID: "org-1",
		ChannelType:    ChannelTypeTelegram,
	}

	tests := []struct {
		name    string
		mutate  func(c *ChannelConfig)
		wantErr bool
	}{
		{"valid", func(c *ChannelConfig) {}, false},
		{"missing channel id", func(c *ChannelConfig) { c.ChannelID = "" }, true},
		{"missing organization", func(c *ChannelConfig) { c.OrganizationID = "" }, true},
		{"unknown type", func(c *ChannelConfig) { c.ChannelType = "fax" }, true},
		{"bad webhook url", func(c *ChannelConfig) { c.WebhookURL = "not a url" }, true},
		{"good webhook url", func(c *ChannelConfig) { c.WebhookURL = "https://example.com/hook" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentials_Get(t *testing.T) {
	var nilCreds Credentials
	assert.Equal(t, "", nilCreds.Get("token"))
	assert.Equal(t, "abc", Credentials{"token": "abc"}.Get("token"))
}

func TestSession_ContextString(t *testing.T) {
	s := &Session{Context: map[string]interface{}{"recipientId": "42", "n": 1}}
	assert.Equal(t, "42", s.ContextString("recipientId"))
	assert.Equal(t, "", s.ContextString("n"))
	assert.Equal(t, "", (*Session)(nil).ContextString("x"))
}
