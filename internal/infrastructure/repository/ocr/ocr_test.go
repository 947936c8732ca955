package ocr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huavcjj/mailnote/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/vision/v1"
)

func newReadServer(t *testing.T, notReadyPolls int32, finalStatus string) (*httptest.Server, *int32) {
	t.Helper()

	var polls int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("Ocp-Apim-Subscription-Key"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == readAnalyzePath:
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, []byte("png-bytes"), body)
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			w.Header().Set("Operation-Location", server.URL+"/vision/v3.2/read/analyzeResults/op-1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/vision/v3.2/read/analyzeResults/op-1":
			n := atomic.AddInt32(&polls, 1)
			w.Header().Set("Content-Type", "application/json")
			if n <= notReadyPolls {
				w.Write([]byte(`{"status":"running"}`))
				return
			}
			w.Write([]byte(`{"status":"` + finalStatus + `","analyzeResult":{"readResults":[
				{"page":1,"lines":[{"text":"first line"},{"text":"second line"}]},
				{"page":2,"lines":[{"text":"third line"}]}
			]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, &polls
}

func newTestAzureRepo(t *testing.T, server *httptest.Server, attempts int) *azureReadRepo {
	t.Helper()

	repo, err := NewAzureReadRepo(AzureConfig{
		Endpoint:        server.URL,
		SubscriptionKey: "key-1",
		HTTPClient:      server.Client(),
		MaxAttempts:     attempts,
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	return repo.(*azureReadRepo)
}

func TestAzureReadPollsUntilSucceeded(t *testing.T) {
	server, polls := newReadServer(t, 2, "succeeded")
	repo := newTestAzureRepo(t, server, 5)

	lines, err := repo.ExtractText(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first line", "second line", "third line"}, lines)
	assert.Equal(t, int32(3), atomic.LoadInt32(polls))
}

func TestAzureReadExhaustedIsTimeout(t *testing.T) {
	server, polls := newReadServer(t, 100, "succeeded")
	repo := newTestAzureRepo(t, server, 3)

	_, err := repo.ExtractText(context.Background(), []byte("png-bytes"))
	require.Error(t, err)
	assert.True(t, apperror.IsTimeout(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(polls))
}

func TestAzureReadFailedStatus(t *testing.T) {
	server, _ := newReadServer(t, 0, "failed")
	repo := newTestAzureRepo(t, server, 3)

	_, err := repo.ExtractText(context.Background(), []byte("png-bytes"))
	require.Error(t, err)
	assert.False(t, apperror.IsTimeout(err))
}

func TestAzureReadStopsOnCancel(t *testing.T) {
	server, _ := newReadServer(t, 100, "succeeded")
	repo := newTestAzureRepo(t, server, 1000)
	repo.pollInterval = 50 * time.Millisecond
	repo.maxPollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := repo.ExtractText(ctx, []byte("png-bytes"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAzureReadRejectedKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	repo := newTestAzureRepo(t, server, 3)
	_, err := repo.ExtractText(context.Background(), []byte("png-bytes"))
	assert.True(t, apperror.IsAuth(err))
}

func TestLinesFromVisionResponse(t *testing.T) {
	resp := &vision.BatchAnnotateImagesResponse{
		Responses: []*vision.AnnotateImageResponse{
			{FullTextAnnotation: &vision.TextAnnotation{Text: "hello\n\n  world  \n"}},
		},
	}
	lines, err := linesFromResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, lines)

	lines, err = linesFromResponse(&vision.BatchAnnotateImagesResponse{})
	require.NoError(t, err)
	assert.Empty(t, lines)

	_, err = linesFromResponse(&vision.BatchAnnotateImagesResponse{
		Responses: []*vision.AnnotateImageResponse{{Error: &vision.Status{Message: "bad image"}}},
	})
	assert.Error(t, err)
}

func TestVisionExtractText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images:annotate", r.URL.Path)
		assert.Equal(t, "vision-key", r.URL.Query().Get("key"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "DOCUMENT_TEXT_DETECTION")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"responses":[{"fullTextAnnotation":{"text":"Total 42.50\nThank you\n"}}]}`))
	}))
	defer server.Close()

	repo, err := NewVisionRepo(context.Background(), "vision-key", server.Client(),
		option.WithEndpoint(server.URL+"/"),
	)
	require.NoError(t, err)

	lines, err := repo.ExtractText(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Total 42.50", "Thank you"}, lines)
}

func TestVisionHonorsClientTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := server.Client()
	client.Timeout = 50 * time.Millisecond
	repo, err := NewVisionRepo(context.Background(), "vision-key", client,
		option.WithEndpoint(server.URL+"/"),
	)
	require.NoError(t, err)

	_, err = repo.ExtractText(context.Background(), []byte("png-bytes"))
	assert.Error(t, err)
}

func TestVisionRejectedKeyIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"API key not valid"}}`))
	}))
	defer server.Close()

	repo, err := NewVisionRepo(context.Background(), "vision-key", server.Client(),
		option.WithEndpoint(server.URL+"/"),
	)
	require.NoError(t, err)

	_, err = repo.ExtractText(context.Background(), []byte("png-bytes"))
	assert.True(t, apperror.IsAuth(err))
}
