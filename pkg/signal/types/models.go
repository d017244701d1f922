package types

import (
	"encoding/json"
	"strconv"
)

// FlexibleInt64 can unmarshal both string and int64 JSON values
type FlexibleInt64 int64

func (f *FlexibleInt64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = FlexibleInt64(i)
		return nil
	}

	var i int64
	if err := json.Unmarshal(data, &i); err != nil {
		return err
	}
	*f = FlexibleInt64(i)
	return nil
}

func (f FlexibleInt64) Int64() int64 {
	return int64(f)
}

type SendMessageRequest struct {
	Message           string   `json:"message"`
	Number            string   `json:"number"`
	Recipients        []string `json:"recipients"`
	Base64Attachments []string `json:"base64_attachments,omitempty"`
	QuoteTimestamp    int64    `json:"quote_timestamp,omitempty"`
	QuoteAuthor       string   `json:"quote_author,omitempty"`
	TextMode          string   `json:"text_mode,omitempty"`
}

type SendResponse struct {
	Timestamp FlexibleInt64 `json:"timestamp"`
}

type AboutResponse struct {
	Versions []string `json:"versions"`
	Build    int      `json:"build"`
	Mode     string   `json:"mode"`
	Version  string   `json:"version"`
}

// Attachment is an inbound attachment reference. Data is fetched separately
// through the attachments endpoint.
type Attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

type Quote struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// SignalMessage is one received data message, flattened from the envelope.
type SignalMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Sender      string       `json:"sender"`
	SenderUUID  string       `json:"senderUuid,omitempty"`
	SenderName  string       `json:"senderName,omitempty"`
	Message     string       `json:"message"`
	GroupID     string       `json:"groupId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Quote       *Quote       `json:"quote,omitempty"`
	// BaseURL is the REST server the message came from; attachment URLs are
	// resolved against it.
	BaseURL string `json:"-"`
}

// MessageID is the envelope timestamp, which signal-cli uses as the id.
func (m SignalMessage) MessageID() string {
	return strconv.FormatInt(m.Timestamp, 10)
}

type RestDataMessage struct {
	Timestamp   int64            `json:"timestamp"`
	Message     string           `json:"message"`
	Attachments []Attachment     `json:"attachments"`
	Quote       *Quote           `json:"quote,omitempty"`
	GroupInfo   *RestGroupInfo   `json:"groupInfo,omitempty"`
	Reaction    *json.RawMessage `json:"reaction,omitempty"`
}

type RestGroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type,omitempty"`
}

type RestEnvelope struct {
	Source       string           `json:"source"`
	SourceNumber string           `json:"sourceNumber"`
	SourceUUID   string           `json:"sourceUuid"`
	SourceName   string           `json:"sourceName"`
	Timestamp    int64            `json:"timestamp"`
	DataMessage  *RestDataMessage `json:"dataMessage,omitempty"`
}

// RestMessage is one element of the /v1/receive response.
type RestMessage struct {
	Envelope RestEnvelope `json:"envelope"`
	Account  string       `json:"account"`
}
