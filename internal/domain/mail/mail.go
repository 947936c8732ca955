package mail

import (
	"context"
	"time"
)

type Message struct {
	ID             string
	Subject        string
	Body           string
	IsRead         bool
	HasAttachments bool
	ReceivedAt     time.Time
}

type Attachment struct {
	ID          string
	Name        string
	ContentType string
	Data        []byte
}

// SubscriptionSpec is what the provider needs to register a push subscription.
type SubscriptionSpec struct {
	ChangeType      string
	Resource        string
	NotificationURL string
	Expiration      time.Time
	ClientState     string
}

// RemoteSubscription is the provider's view of a subscription after create or renew.
type RemoteSubscription struct {
	ID          string
	Resource    string
	Expiration  time.Time
	ClientState string
}

type MailRepo interface {
	ListUnread(ctx context.Context, folderID string) ([]*Message, error)
	GetAttachments(ctx context.Context, folderID, messageID string) ([]*Attachment, error)
	MarkRead(ctx context.Context, messageID string) error
	CreateSubscription(ctx context.Context, spec SubscriptionSpec) (*RemoteSubscription, error)
	RenewSubscription(ctx context.Context, id string, expiration time.Time) (*RemoteSubscription, error)
}
