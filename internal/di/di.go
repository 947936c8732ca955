package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/huavcjj/mailnote/internal/config"
	linedomain "github.com/huavcjj/mailnote/internal/domain/line"
	maildomain "github.com/huavcjj/mailnote/internal/domain/mail"
	notesdomain "github.com/huavcjj/mailnote/internal/domain/notes"
	ocrdomain "github.com/huavcjj/mailnote/internal/domain/ocr"
	subdomain "github.com/huavcjj/mailnote/internal/domain/subscription"
	"github.com/huavcjj/mailnote/internal/infrastructure/auth"
	graphrepo "github.com/huavcjj/mailnote/internal/infrastructure/repository/graph"
	linerepo "github.com/huavcjj/mailnote/internal/infrastructure/repository/line"
	ocrrepo "github.com/huavcjj/mailnote/internal/infrastructure/repository/ocr"
	onenoterepo "github.com/huavcjj/mailnote/internal/infrastructure/repository/onenote"
	"github.com/huavcjj/mailnote/internal/infrastructure/repository/registry"
	"github.com/huavcjj/mailnote/internal/service/digest"
	"github.com/huavcjj/mailnote/internal/service/subscription"
	"github.com/huavcjj/mailnote/internal/service/transform"
)

type Container struct {
	Tokens              auth.TokenProvider
	MailRepo            maildomain.MailRepo
	NotesRepo           notesdomain.NotesRepo
	OCRRepo             ocrdomain.OCRRepo
	LineRepo            linedomain.LineRepo
	Registry            subdomain.Registry
	Transformer         *transform.Transformer
	Publisher           *digest.Publisher
	SubscriptionManager *subscription.Manager
}

func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	tokens, err := auth.NewClientCredentialsProvider(auth.Config{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.AppID,
		ClientSecret: cfg.AppSecret,
		AuthorityURL: cfg.AuthorityURL,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token provider: %w", err)
	}

	mailRepo, err := graphrepo.NewGraphRepo(graphrepo.Config{
		BaseURL:    cfg.GraphBaseURL,
		UserID:     cfg.MailUser,
		HTTPClient: httpClient,
		Timeout:    cfg.HTTPTimeout,
	}, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mail repository: %w", err)
	}

	notesRepo, err := onenoterepo.NewOneNoteRepo(onenoterepo.Config{
		BaseURL:    cfg.GraphBaseURL,
		UserID:     cfg.MailUser,
		SectionID:  cfg.NotesSectionID,
		HTTPClient: httpClient,
		Timeout:    cfg.HTTPTimeout,
	}, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notes repository: %w", err)
	}

	ocrRepo, err := newOCRRepo(ctx, cfg, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OCR repository: %w", err)
	}

	// LINE is optional; without it lapses are only logged.
	var lineRepo linedomain.LineRepo
	if cfg.LineEnabled() {
		lineRepo, err = linerepo.NewLineRepo(cfg.LineChannelToken)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LINE repository: %w", err)
		}
	} else {
		slog.Warn("LINE channel token not set, operator alerts disabled")
	}

	subRegistry := registry.NewMemoryRegistry()
	transformer := transform.NewTransformer(ocrRepo)
	publisher := digest.NewPublisher(notesRepo)

	manager, err := subscription.NewManager(
		subscription.Config{
			UserID:             cfg.MailUser,
			FolderID:           cfg.FolderID,
			Filter:             cfg.SubscriptionFilter,
			NotificationURL:    cfg.NotificationURL(),
			Lifetime:           cfg.SubscriptionLifetime,
			RenewalThreshold:   cfg.RenewalThreshold,
			SweepInterval:      cfg.SweepInterval,
			AckWindow:          cfg.ProcessingTimeout,
			ResubscribeOnLapse: cfg.ResubscribeOnLapse,
			AlertUserID:        cfg.LineAlertUserID,
			OperatorURL:        cfg.OperatorURL(),
		},
		mailRepo,
		subRegistry,
		transformer,
		publisher,
		lineRepo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize subscription manager: %w", err)
	}

	return &Container{
		Tokens:              tokens,
		MailRepo:            mailRepo,
		NotesRepo:           notesRepo,
		OCRRepo:             ocrRepo,
		LineRepo:            lineRepo,
		Registry:            subRegistry,
		Transformer:         transformer,
		Publisher:           publisher,
		SubscriptionManager: manager,
	}, nil
}

func newOCRRepo(ctx context.Context, cfg *config.Config, httpClient *http.Client) (ocrdomain.OCRRepo, error) {
	switch cfg.OCRProvider {
	case config.OCRProviderVision:
		slog.Info("using Google Cloud Vision for OCR")
		return ocrrepo.NewVisionRepo(ctx, cfg.VisionAPIKey, httpClient)
	case config.OCRProviderAzure:
		slog.Info("using Azure Read for OCR", "endpoint", cfg.OCREndpoint)
		return ocrrepo.NewAzureReadRepo(ocrrepo.AzureConfig{
			Endpoint:        cfg.OCREndpoint,
			SubscriptionKey: cfg.OCRKey,
			HTTPClient:      httpClient,
			MaxAttempts:     cfg.OCRMaxAttempts,
			PollInterval:    cfg.OCRPollInterval,
			RequestTimeout:  cfg.HTTPTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown OCR provider %q", cfg.OCRProvider)
	}
}

// Close stops the renewal timer.
func (c *Container) Close() error {
	if c.SubscriptionManager != nil {
		c.SubscriptionManager.Stop()
	}
	return nil
}
