package store

import "time"

// Message is one captured submission. Raw is only returned by Get.
type Message struct {
	User      string
	MessageID string
	Subject   string
	Date      time.Time
	Recipient string
	Raw       []byte
}

type Summary struct {
	MessageID string    `json:"messageId"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
	Recipient string    `json:"recipient"`
	User      string    `json:"user"`
}

func (m Message) Summary() Summary {
	return Summary{
		MessageID: m.MessageID,
		Subject:   m.Subject,
		Date:      m.Date,
		Recipient: m.Recipient,
		User:      m.User,
	}
}

// CompositeKey addresses a message as user:messageId.
func CompositeKey(user, messageID string) string {
	return user + ":" + messageID
}
