package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/huavcjj/mailnote/internal/apperror"
	ocr_repo "github.com/huavcjj/mailnote/internal/domain/ocr"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"
	"google.golang.org/api/vision/v1"
)

type visionRepo struct {
	service *vision.Service
}

var _ ocr_repo.OCRRepo = (*visionRepo)(nil)

// NewVisionRepo uses Google Cloud Vision document text detection. When
// httpClient is set, calls go through it (and its timeout) with the key added
// by the transport, since the client option skips key handling.
func NewVisionRepo(ctx context.Context, apiKey string, httpClient *http.Client, opts ...option.ClientOption) (ocr_repo.OCRRepo, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vision api key is empty")
	}

	auth := option.WithAPIKey(apiKey)
	if httpClient != nil {
		base := httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		keyed := *httpClient
		keyed.Transport = &transport.APIKey{Key: apiKey, Transport: base}
		auth = option.WithHTTPClient(&keyed)
	}

	srv, err := vision.NewService(ctx, append([]option.ClientOption{auth}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("unable to create vision service: %w", err)
	}

	return &visionRepo{service: srv}, nil
}

func (r *visionRepo) ExtractText(ctx context.Context, image []byte) ([]string, error) {
	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{
			{
				Image: &vision.Image{
					Content: base64.StdEncoding.EncodeToString(image),
				},
				Features: []*vision.Feature{
					{Type: "DOCUMENT_TEXT_DETECTION"},
				},
			},
		},
	}

	resp, err := r.service.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return nil, classifyVisionError(err)
	}

	return linesFromResponse(resp)
}

func linesFromResponse(resp *vision.BatchAnnotateImagesResponse) ([]string, error) {
	if resp == nil || len(resp.Responses) == 0 {
		return nil, nil
	}

	first := resp.Responses[0]
	if first.Error != nil && first.Error.Message != "" {
		return nil, apperror.NewProviderError("vision annotate", 200, fmt.Errorf("%s", first.Error.Message))
	}

	text := ""
	if first.FullTextAnnotation != nil {
		text = first.FullTextAnnotation.Text
	} else if len(first.TextAnnotations) > 0 {
		text = first.TextAnnotations[0].Description
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func classifyVisionError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return apperror.NewTransportError("vision annotate", err)
	}
	if apiErr.Code == 401 || apiErr.Code == 403 {
		return &apperror.AuthError{Op: "vision annotate", Err: err}
	}
	return apperror.NewProviderError("vision annotate", apiErr.Code, err)
}
