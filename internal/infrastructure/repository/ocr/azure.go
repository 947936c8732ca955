package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/huavcjj/mailnote/internal/apperror"
	ocr_repo "github.com/huavcjj/mailnote/internal/domain/ocr"
)

const (
	readAnalyzePath = "/vision/v3.2/read/analyze"

	defaultMaxAttempts     = 10
	defaultPollInterval    = time.Second
	defaultMaxPollInterval = 5 * time.Second
	defaultRequestTimeout  = 30 * time.Second
)

type AzureConfig struct {
	Endpoint        string
	SubscriptionKey string
	HTTPClient      *http.Client
	MaxAttempts     int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	RequestTimeout  time.Duration
}

type azureReadRepo struct {
	endpoint        string
	key             string
	client          *http.Client
	maxAttempts     int
	pollInterval    time.Duration
	maxPollInterval time.Duration
	requestTimeout  time.Duration
}

var _ ocr_repo.OCRRepo = (*azureReadRepo)(nil)

func NewAzureReadRepo(cfg AzureConfig) (ocr_repo.OCRRepo, error) {
	if cfg.Endpoint == "" || cfg.SubscriptionKey == "" {
		return nil, fmt.Errorf("ocr endpoint and subscription key are required")
	}

	r := &azureReadRepo{
		endpoint:        strings.TrimRight(cfg.Endpoint, "/"),
		key:             cfg.SubscriptionKey,
		client:          cfg.HTTPClient,
		maxAttempts:     cfg.MaxAttempts,
		pollInterval:    cfg.PollInterval,
		maxPollInterval: cfg.MaxPollInterval,
		requestTimeout:  cfg.RequestTimeout,
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.maxPollInterval < r.pollInterval {
		r.maxPollInterval = max(defaultMaxPollInterval, r.pollInterval)
	}
	if r.requestTimeout <= 0 {
		r.requestTimeout = defaultRequestTimeout
	}
	return r, nil
}

type readOperation struct {
	Status        string `json:"status"`
	AnalyzeResult struct {
		ReadResults []struct {
			Page  int `json:"page"`
			Lines []struct {
				Text string `json:"text"`
			} `json:"lines"`
		} `json:"readResults"`
	} `json:"analyzeResult"`
}

func (r *azureReadRepo) ExtractText(ctx context.Context, image []byte) ([]string, error) {
	operationURL, err := r.submit(ctx, image)
	if err != nil {
		return nil, err
	}

	delay := r.pollInterval
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}

		op, err := r.poll(ctx, operationURL)
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(op.Status) {
		case "succeeded":
			var lines []string
			for _, page := range op.AnalyzeResult.ReadResults {
				for _, line := range page.Lines {
					lines = append(lines, line.Text)
				}
			}
			return lines, nil
		case "failed":
			return nil, apperror.NewProviderError("ocr read", http.StatusOK, fmt.Errorf("analysis failed"))
		}

		slog.Debug("ocr result not ready", "attempt", attempt, "status", op.Status)
		delay = min(delay*3/2, r.maxPollInterval)
	}

	return nil, &apperror.TimeoutError{Op: "ocr read", Attempts: r.maxAttempts}
}

func (r *azureReadRepo) submit(ctx context.Context, image []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+readAnalyzePath, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("failed to build ocr request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", r.key)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", apperror.NewTransportError("ocr submit", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("ocr submit", resp); err != nil {
		return "", err
	}

	operationURL := resp.Header.Get("Operation-Location")
	if operationURL == "" {
		return "", apperror.NewProviderError("ocr submit", resp.StatusCode, fmt.Errorf("missing Operation-Location header"))
	}
	return operationURL, nil
}

func (r *azureReadRepo) poll(ctx context.Context, operationURL string) (*readOperation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, operationURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ocr poll request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", r.key)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperror.NewTransportError("ocr poll", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("ocr poll", resp); err != nil {
		return nil, err
	}

	var op readOperation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, fmt.Errorf("failed to decode ocr result: %w", err)
	}
	return &op, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &apperror.AuthError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperror.NewProviderError(op, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	return nil
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
