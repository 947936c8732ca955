package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mail_repo "github.com/huavcjj/mailnote/internal/domain/mail"
	notes_repo "github.com/huavcjj/mailnote/internal/domain/notes"
	"github.com/huavcjj/mailnote/internal/infrastructure/repository/registry"
	"github.com/huavcjj/mailnote/internal/service/digest"
	"github.com/huavcjj/mailnote/internal/service/transform"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// journal records cross-repository calls in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeMail struct {
	mu      sync.Mutex
	journal *journal

	messages    []*mail_repo.Message
	attachments map[string][]*mail_repo.Attachment
	read        map[string]bool
	// staleList returns messages even after they were marked read.
	staleList bool

	listErr    error
	attErr     map[string]error
	markErr    error
	createErr  error
	renewErr   error
	renewExp   time.Time
	listCalls  int
	created    []mail_repo.SubscriptionSpec
	renewCalls []string
}

var _ mail_repo.MailRepo = (*fakeMail)(nil)

func newFakeMail(j *journal) *fakeMail {
	return &fakeMail{
		journal:     j,
		attachments: make(map[string][]*mail_repo.Attachment),
		read:        make(map[string]bool),
		attErr:      make(map[string]error),
	}
}

func (f *fakeMail) addMessage(id, subject string, atts ...*mail_repo.Attachment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, &mail_repo.Message{ID: id, Subject: subject, HasAttachments: len(atts) > 0})
	f.attachments[id] = atts
}

func (f *fakeMail) ListUnread(ctx context.Context, folderID string) ([]*mail_repo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*mail_repo.Message
	for _, m := range f.messages {
		if f.read[m.ID] && !f.staleList {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMail) GetAttachments(ctx context.Context, folderID, messageID string) ([]*mail_repo.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.attErr[messageID]; err != nil {
		return nil, err
	}
	return f.attachments[messageID], nil
}

func (f *fakeMail) MarkRead(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.read[messageID] = true
	if f.journal != nil {
		f.journal.add("read:%s", messageID)
	}
	return nil
}

func (f *fakeMail) markUnread(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[id] = false
}

func (f *fakeMail) isRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read[id]
}

func (f *fakeMail) CreateSubscription(ctx context.Context, spec mail_repo.SubscriptionSpec) (*mail_repo.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	return &mail_repo.RemoteSubscription{
		ID:          fmt.Sprintf("sub-%d", len(f.created)),
		Resource:    spec.Resource,
		Expiration:  spec.Expiration,
		ClientState: spec.ClientState,
	}, nil
}

func (f *fakeMail) RenewSubscription(ctx context.Context, id string, expiration time.Time) (*mail_repo.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls = append(f.renewCalls, id)
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	if !f.renewExp.IsZero() {
		expiration = f.renewExp
	}
	return &mail_repo.RemoteSubscription{ID: id, Expiration: expiration}, nil
}

type fakeNotes struct {
	mu       sync.Mutex
	journal  *journal
	pages    []*notes_repo.Page
	attempts []string
	failFor  map[string]error
}

var _ notes_repo.NotesRepo = (*fakeNotes)(nil)

func (f *fakeNotes) CreatePage(ctx context.Context, page *notes_repo.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, page.Title)
	if err := f.failFor[page.Title]; err != nil {
		return err
	}
	f.pages = append(f.pages, page)
	if f.journal != nil {
		f.journal.add("publish:%s", page.Title)
	}
	return nil
}

type fakeOCR struct {
	lines []string
	err   error
}

func (f *fakeOCR) ExtractText(ctx context.Context, image []byte) ([]string, error) {
	return f.lines, f.err
}

type sentAlert struct {
	userID string
	text   string
	url    string
}

type fakeLine struct {
	mu     sync.Mutex
	alerts []sentAlert
}

func (f *fakeLine) PushMessage(ctx context.Context, userID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, sentAlert{userID: userID, text: message})
	return nil
}

func (f *fakeLine) ReplyMessage(ctx context.Context, replyToken, message string) error {
	return nil
}

func (f *fakeLine) SendButtonMessage(ctx context.Context, userID, text, buttonText, buttonURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, sentAlert{userID: userID, text: text, url: buttonURL})
	return nil
}

func (f *fakeLine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type testEnv struct {
	manager *Manager
	mail    *fakeMail
	notes   *fakeNotes
	ocr     *fakeOCR
	line    *fakeLine
	journal *journal
	now     time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	j := &journal{}
	env := &testEnv{
		mail:    newFakeMail(j),
		notes:   &fakeNotes{journal: j, failFor: make(map[string]error)},
		ocr:     &fakeOCR{},
		line:    &fakeLine{},
		journal: j,
		now:     baseTime,
	}

	cfg := Config{
		UserID:           "me@example.com",
		FolderID:         "folder-1",
		NotificationURL:  "https://hook.example.com/api/messages",
		RenewalThreshold: 2 * time.Hour,
		SweepInterval:    time.Hour,
		// Keep the background timer quiet; tests drive sweeps directly.
		InitialDelay: 24 * time.Hour,
		AlertUserID:  "U-operator",
		OperatorURL:  "https://hook.example.com/api/subscriptions",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(
		cfg,
		env.mail,
		registry.NewMemoryRegistry(),
		transform.NewTransformer(env.ocr),
		digest.NewPublisher(env.notes),
		env.line,
	)
	require.NoError(t, err)

	states := 0
	m.now = func() time.Time { return env.now }
	m.newClientState = func() string {
		states++
		return fmt.Sprintf("state-%d", states)
	}
	t.Cleanup(m.Stop)

	env.manager = m
	return env
}
