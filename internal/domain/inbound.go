package domain

// InboundMessage is a customer or internal email delivered to the service.
type InboundMessage struct {
	Subject        string
	Body           string
	FromEmail      string
	FromName       string
	ThreadID       string
	MessageID      string
	AttachmentURIs []string
}
