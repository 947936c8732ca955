package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sub_repo "github.com/huavcjj/mailnote/internal/domain/subscription"
	"github.com/huavcjj/mailnote/internal/service/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChannelSecret = "channel-secret"

var testNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type fakeOperator struct {
	subs         []sub_repo.Subscription
	subscribeErr error
	sweepReport  subscription.ProcessReport
	sweepErr     error
	subscribed   int
	swept        int
}

func (f *fakeOperator) Subscribe(ctx context.Context) (*sub_repo.Subscription, error) {
	f.subscribed++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := sub_repo.Subscription{ID: "sub-9", Expiration: testNow.Add(70 * time.Hour), State: sub_repo.StateActive}
	f.subs = append(f.subs, sub)
	return &sub, nil
}

func (f *fakeOperator) Subscriptions(ctx context.Context) []sub_repo.Subscription {
	return f.subs
}

func (f *fakeOperator) Sweep(ctx context.Context) (subscription.ProcessReport, error) {
	f.swept++
	return f.sweepReport, f.sweepErr
}

type reply struct {
	token string
	text  string
}

type push struct {
	userID string
	text   string
}

type fakeLineRepo struct {
	mu      sync.Mutex
	replies []reply
	pushes  []push
}

func (f *fakeLineRepo) PushMessage(ctx context.Context, userID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{userID: userID, text: message})
	return nil
}

func (f *fakeLineRepo) ReplyMessage(ctx context.Context, replyToken, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{token: replyToken, text: message})
	return nil
}

func (f *fakeLineRepo) SendButtonMessage(ctx context.Context, userID, text, buttonText, buttonURL string) error {
	return nil
}

func newTestLineHandler(operator *fakeOperator, repo *fakeLineRepo, operatorID string) *LineWebhookHandler {
	h := NewLineWebhookHandler(operator, repo, testChannelSecret, operatorID, time.Minute)
	h.now = func() time.Time { return testNow }
	return h
}

func TestRunCommandStatus(t *testing.T) {
	operator := &fakeOperator{subs: []sub_repo.Subscription{
		{ID: "sub-1", State: sub_repo.StateActive, Expiration: testNow.Add(90 * time.Minute)},
		{ID: "sub-0", State: sub_repo.StateLapsed, Expiration: testNow.Add(-time.Hour), LastRenewalError: "503"},
	}}
	h := newTestLineHandler(operator, &fakeLineRepo{}, "U-operator")

	text := h.runCommand(context.Background(), "U-operator", "  Status ")
	assert.Contains(t, text, "Subscriptions (2)")
	assert.Contains(t, text, "sub-1 [active]")
	assert.Contains(t, text, "in 1h30m0s")
	assert.Contains(t, text, "sub-0 [lapsed]")
	assert.Contains(t, text, "last renewal error: 503")

	empty := newTestLineHandler(&fakeOperator{}, &fakeLineRepo{}, "U-operator")
	assert.Equal(t, "No subscriptions.", empty.runCommand(context.Background(), "U-operator", "status"))
}

func TestRunCommandSubscribe(t *testing.T) {
	operator := &fakeOperator{}
	h := newTestLineHandler(operator, &fakeLineRepo{}, "U-operator")

	assert.Contains(t, h.runCommand(context.Background(), "U-operator", "subscribe"), "Subscribed: sub-9")
	assert.Equal(t, 1, operator.subscribed)

	operator.subscribeErr = errors.New("forbidden")
	assert.Contains(t, h.runCommand(context.Background(), "U-operator", "subscribe"), "Subscription failed: forbidden")

	assert.Equal(t, helpMessage, h.runCommand(context.Background(), "U-operator", "hello"))
}

func TestRunCommandSweepPushesResult(t *testing.T) {
	operator := &fakeOperator{sweepReport: subscription.ProcessReport{Listed: 3, Published: 2, Failed: 1}}
	repo := &fakeLineRepo{}
	h := newTestLineHandler(operator, repo, "U-operator")

	assert.Equal(t, sweepStartedMessage, h.runCommand(context.Background(), "U-operator", "sweep"))
	require.NoError(t, h.Wait(context.Background()))

	assert.Equal(t, 1, operator.swept)
	require.Len(t, repo.pushes, 1)
	assert.Equal(t, push{userID: "U-operator", text: "Sweep done: 3 listed, 2 published, 0 skipped, 1 failed"}, repo.pushes[0])

	operator.sweepErr = errors.New("unavailable")
	h.runCommand(context.Background(), "U-operator", "sweep")
	require.NoError(t, h.Wait(context.Background()))

	require.Len(t, repo.pushes, 2)
	assert.Equal(t, "Sweep failed: unavailable", repo.pushes[1].text)
}

func TestRunCommandSweepOutlivesRequest(t *testing.T) {
	var sweepCtxErr error
	operator := &blockingOperator{fakeOperator: &fakeOperator{}, release: make(chan struct{}), check: func(ctx context.Context) {
		_, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			sweepCtxErr = errors.New("sweep context has no deadline")
			return
		}
		sweepCtxErr = ctx.Err()
	}}
	h := NewLineWebhookHandler(operator, &fakeLineRepo{}, testChannelSecret, "U-operator", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	h.runCommand(ctx, "U-operator", "sweep")
	cancel()
	close(operator.release)

	require.NoError(t, h.Wait(context.Background()))
	assert.NoError(t, sweepCtxErr)
}

func TestLineWaitHonorsContext(t *testing.T) {
	operator := &blockingOperator{fakeOperator: &fakeOperator{}, release: make(chan struct{})}
	h := NewLineWebhookHandler(operator, &fakeLineRepo{}, testChannelSecret, "U-operator", time.Minute)
	h.runCommand(context.Background(), "U-operator", "sweep")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.Canceled)

	close(operator.release)
	require.NoError(t, h.Wait(context.Background()))
}

// blockingOperator holds Sweep until release is closed.
type blockingOperator struct {
	*fakeOperator
	release chan struct{}
	check   func(ctx context.Context)
}

func (b *blockingOperator) Sweep(ctx context.Context) (subscription.ProcessReport, error) {
	<-b.release
	if b.check != nil {
		b.check(ctx)
	}
	return b.fakeOperator.Sweep(ctx)
}

func signedLineRequest(t *testing.T, body string) *http.Request {
	t.Helper()

	mac := hmac.New(sha256.New, []byte(testChannelSecret))
	_, err := mac.Write([]byte(body))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook/line", strings.NewReader(body))
	req.Header.Set("X-Line-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return req
}

func textEvent(userID, text string) string {
	return `{"destination":"bot","events":[{"type":"message","mode":"active","timestamp":1760864400000,` +
		`"webhookEventId":"ev-1","deliveryContext":{"isRedelivery":false},"replyToken":"reply-1",` +
		`"source":{"type":"user","userId":"` + userID + `"},` +
		`"message":{"type":"text","id":"msg-1","quoteToken":"q","text":"` + text + `"}}]}`
}

func TestHandleWebhookRepliesToOperator(t *testing.T) {
	operator := &fakeOperator{}
	repo := &fakeLineRepo{}
	h := newTestLineHandler(operator, repo, "U-operator")

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedLineRequest(t, textEvent("U-operator", "sweep")))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, repo.replies, 1)
	assert.Equal(t, reply{token: "reply-1", text: sweepStartedMessage}, repo.replies[0])

	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, 1, operator.swept)
	require.Len(t, repo.pushes, 1)
	assert.Equal(t, "U-operator", repo.pushes[0].userID)
	assert.Contains(t, repo.pushes[0].text, "Sweep done")
}

func TestHandleWebhookIgnoresOtherUsers(t *testing.T) {
	operator := &fakeOperator{}
	repo := &fakeLineRepo{}
	h := newTestLineHandler(operator, repo, "U-operator")

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedLineRequest(t, textEvent("U-stranger", "sweep")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, operator.swept)
	assert.Empty(t, repo.replies)
}

func TestHandleWebhookRefusesCommandsWithoutOperator(t *testing.T) {
	operator := &fakeOperator{}
	repo := &fakeLineRepo{}
	h := newTestLineHandler(operator, repo, "")

	for _, userID := range []string{"U-stranger", ""} {
		rec := httptest.NewRecorder()
		h.HandleWebhook(rec, signedLineRequest(t, textEvent(userID, "subscribe")))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, 0, operator.subscribed)
	assert.Empty(t, repo.replies)
	assert.Empty(t, repo.pushes)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	operator := &fakeOperator{}
	h := newTestLineHandler(operator, &fakeLineRepo{}, "")

	req := httptest.NewRequest(http.MethodPost, "/webhook/line", strings.NewReader(textEvent("U1", "sweep")))
	req.Header.Set("X-Line-Signature", "bm90LWEtc2lnbmF0dXJl")
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, operator.swept)
}

func TestHandleWebhookVerificationGet(t *testing.T) {
	h := newTestLineHandler(&fakeOperator{}, &fakeLineRepo{}, "")

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, httptest.NewRequest(http.MethodGet, "/webhook/line", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
