package line

import "context"

type LineRepo interface {
	PushMessage(ctx context.Context, userID, message string) error
	ReplyMessage(ctx context.Context, replyToken, message string) error
	SendButtonMessage(ctx context.Context, userID, text, buttonText, buttonURL string) error
}
