package ingress

import (
	"sevak/internal/dialog"
)

// Envelope is the webhook delivery shape of the WhatsApp Cloud API. One
// delivery can batch several message units across entries and changes.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one account-level grouping inside a delivery.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one field update inside an entry.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value carries the message units and the receiving number's metadata.
type Value struct {
	Metadata Metadata  `json:"metadata"`
	Messages []Message `json:"messages"`
}

// Metadata identifies which provisioned phone number received the messages.
type Metadata struct {
	PhoneNumberID string `json:"phone_number_id"`
}

// Message is one inbound message unit.
type Message struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *Text        `json:"text,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
	Button      *Button      `json:"button,omitempty"`
	Image       *Media       `json:"image,omitempty"`
	Document    *Media       `json:"document,omitempty"`
	Video       *Media       `json:"video,omitempty"`
	Audio       *Media       `json:"audio,omitempty"`
}

// Text is a plain text message body.
type Text struct {
	Body string `json:"body"`
}

// Interactive is a reply to a button or list prompt.
type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"button_reply,omitempty"`
	ListReply   *Reply `json:"list_reply,omitempty"`
}

// Reply is the selected option of an interactive prompt.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Button is a template quick-reply button press.
type Button struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// Media references an uploaded file by provider media id.
type Media struct {
	ID string `json:"id"`
}

// toInbound normalizes one message unit to the dialog contract. The second
// return is false for unit types the dialog layer does not consume.
func toInbound(tenantID string, msg Message) (dialog.Inbound, bool) {
	inbound := dialog.Inbound{
		TenantID:  tenantID,
		UserID:    msg.From,
		MessageID: msg.ID,
	}
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return inbound, false
		}
		inbound.Kind = dialog.KindText
		inbound.Text = msg.Text.Body
	case "interactive":
		if msg.Interactive == nil {
			return inbound, false
		}
		switch {
		case msg.Interactive.ButtonReply != nil:
			inbound.Kind = dialog.KindButton
			inbound.ChoiceID = msg.Interactive.ButtonReply.ID
		case msg.Interactive.ListReply != nil:
			inbound.Kind = dialog.KindList
			inbound.ChoiceID = msg.Interactive.ListReply.ID
		default:
			return inbound, false
		}
	case "button":
		if msg.Button == nil {
			return inbound, false
		}
		inbound.Kind = dialog.KindButton
		inbound.ChoiceID = msg.Button.Payload
	case "image", "document", "video", "audio":
		media := msg.Image
		if media == nil {
			media = msg.Document
		}
		if media == nil {
			media = msg.Video
		}
		if media == nil {
			media = msg.Audio
		}
		if media == nil {
			return inbound, false
		}
		inbound.Kind = dialog.KindMedia
		inbound.MediaID = media.ID
	default:
		return inbound, false
	}
	return inbound, true
}
