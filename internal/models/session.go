package models

import "time"

// Session is an ephemeral conversational context owned by one gateway
// instance. It is never persisted.
type Session struct {
	SessionID       string                 `json:"sessionId"`
	OrganizationID  string                 `json:"organizationId"`
	UserID          string                 `json:"userId"`
	ChannelType     ChannelType            `json:"channelType"`
	ChannelID       string                 `json:"channelId,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	Active          bool                   `json:"active"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastActivity    time.Time              `json:"lastActivity"`
	CreatorClientID string                 `json:"-"`
}

// ContextString returns a string value from the session context.
func (s *Session) ContextString(key string) string {
	if s == nil || s.Context == nil {
		return ""
	}
	v, _ := s.Context[key].(string)
	return v
}
