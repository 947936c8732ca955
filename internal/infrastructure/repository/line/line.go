package line

import (
	"context"
	"fmt"

	line_repo "github.com/huavcjj/mailnote/internal/domain/line"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// Limits imposed by the Messaging API on buttons templates.
const (
	maxAltText      = 400
	maxTemplateText = 160
)

type lineRepo struct {
	bot *messaging_api.MessagingApiAPI
}

var _ line_repo.LineRepo = (*lineRepo)(nil)

func NewLineRepo(channelToken string) (line_repo.LineRepo, error) {
	if channelToken == "" {
		return nil, fmt.Errorf("line channel token is empty")
	}

	bot, err := messaging_api.NewMessagingApiAPI(channelToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging API: %w", err)
	}

	return &lineRepo{
		bot: bot,
	}, nil
}

func (r *lineRepo) PushMessage(ctx context.Context, userID, message string) error {
	if userID == "" {
		return fmt.Errorf("user ID is empty")
	}

	_, err := r.bot.WithContext(ctx).PushMessage(
		&messaging_api.PushMessageRequest{
			To: userID,
			Messages: []messaging_api.MessageInterface{
				messaging_api.TextMessage{
					Text: message,
				},
			},
		},
		"",
	)
	if err != nil {
		return fmt.Errorf("failed to push text message: %w", err)
	}

	return nil
}

func (r *lineRepo) ReplyMessage(ctx context.Context, replyToken, message string) error {
	if replyToken == "" {
		return fmt.Errorf("reply token is empty")
	}

	_, err := r.bot.WithContext(ctx).ReplyMessage(
		&messaging_api.ReplyMessageRequest{
			ReplyToken: replyToken,
			Messages: []messaging_api.MessageInterface{
				messaging_api.TextMessage{
					Text: message,
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to reply message: %w", err)
	}

	return nil
}

func (r *lineRepo) SendButtonMessage(ctx context.Context, userID, text, buttonText, buttonURL string) error {
	if userID == "" {
		return fmt.Errorf("user ID is empty")
	}

	altText := truncate(text, maxAltText)

	_, err := r.bot.WithContext(ctx).PushMessage(
		&messaging_api.PushMessageRequest{
			To: userID,
			Messages: []messaging_api.MessageInterface{
				&messaging_api.TemplateMessage{
					AltText: altText,
					Template: &messaging_api.ButtonsTemplate{
						Text: truncate(text, maxTemplateText),
						Actions: []messaging_api.ActionInterface{
							&messaging_api.UriAction{
								Label: buttonText,
								Uri:   buttonURL,
							},
						},
					},
				},
			},
		},
		"",
	)
	if err != nil {
		return fmt.Errorf("failed to send button message: %w", err)
	}

	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
