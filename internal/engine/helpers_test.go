package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
	"companion/internal/storage"
)

type sentMessage struct {
	chatID int64
	reply  Reply
}

type fakeMessenger struct {
	sent     []sentMessage
	answered []string
	sendErr  error
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, r Reply) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, reply: r})
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, id string) error {
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeMessenger) last(t *testing.T) Reply {
	t.Helper()
	require.NotEmpty(t, f.sent, "expected at least one outbound message")
	return f.sent[len(f.sent)-1].reply
}

func (f *fakeMessenger) reset() {
	f.sent = nil
	f.answered = nil
}

type fakeDeduper struct {
	seen     map[int64]bool
	released []int64
	err      error
}

func (f *fakeDeduper) FirstSeen(_ context.Context, id int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

func (f *fakeDeduper) Release(_ context.Context, id int64) error {
	delete(f.seen, id)
	f.released = append(f.released, id)
	return nil
}

type testEnv struct {
	d    *Dispatcher
	repo *storage.BadgerRepository
	msg  *fakeMessenger
	now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	repo, err := storage.NewBadgerRepository(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	env := &testEnv{
		repo: repo,
		msg:  &fakeMessenger{},
		now:  time.Now().UTC().Truncate(time.Second),
	}
	env.d = NewDispatcher(repo, env.msg, Settings{
		SiteBaseURL: "https://example.com",
		ChannelURL:  "https://t.me/companion_channel",
		Now:         func() time.Time { return env.now },
	}, logger)
	return env
}

var updateSeq atomic.Int64

func messageUpdate(userID int64, text string) *models.Update {
	return &models.Update{
		ID: updateSeq.Add(1),
		Message: &models.Message{
			ID:   1,
			From: &models.User{ID: userID, FirstName: "Ann", Username: "ann", LanguageCode: "en"},
			Chat: models.Chat{ID: userID},
			Text: text,
			Date: int(time.Now().Unix()),
		},
	}
}

func callbackUpdate(userID int64, data string) *models.Update {
	id := updateSeq.Add(1)
	return &models.Update{
		ID: id,
		CallbackQuery: &models.CallbackQuery{
			ID:   "cb-" + time.Unix(id, 0).Format("150405"),
			From: models.User{ID: userID, FirstName: "Ann"},
			Message: models.MaybeInaccessibleMessage{
				Message: &models.Message{ID: 2, Chat: models.Chat{ID: userID}},
			},
			Data: data,
		},
	}
}

func (e *testEnv) handle(t *testing.T, u *models.Update) {
	t.Helper()
	require.NoError(t, e.d.HandleUpdate(context.Background(), u))
}

func (e *testEnv) active(t *testing.T, userID int64) domain.Session {
	t.Helper()
	s, err := e.repo.FindActiveSession(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func (e *testEnv) noActive(t *testing.T, userID int64) {
	t.Helper()
	_, err := e.repo.FindActiveSession(context.Background(), userID)
	require.True(t, errors.Is(err, storage.ErrNotFound), "expected no active session, got %v", err)
}

func (e *testEnv) events(t *testing.T, userID int64) []domain.TrackingEvent {
	t.Helper()
	evs, err := e.repo.ListEvents(context.Background(), userID)
	require.NoError(t, err)
	return evs
}

func (e *testEnv) eventNames(t *testing.T, userID int64) []string {
	t.Helper()
	var names []string
	for _, ev := range e.events(t, userID) {
		names = append(names, ev.Name)
	}
	return names
}

func (e *testEnv) countEvents(t *testing.T, userID int64, name string) int {
	t.Helper()
	n := 0
	for _, ev := range e.events(t, userID) {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (e *testEnv) storeLink(t *testing.T, link domain.DeepLink) {
	t.Helper()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = e.now
	}
	if link.ExpiresAt.IsZero() {
		link.ExpiresAt = e.now.Add(domain.DefaultDeepLinkTTL)
	}
	require.NoError(t, e.repo.CreateDeepLink(context.Background(), link))
}

// callbacks flattens a keyboard into its callback data values.
func callbacks(r Reply) []string {
	if r.Keyboard == nil {
		return nil
	}
	var out []string
	for _, row := range r.Keyboard.InlineKeyboard {
		for _, b := range row {
			if b.CallbackData != "" {
				out = append(out, b.CallbackData)
			}
		}
	}
	return out
}

// urls flattens a keyboard into its URL buttons.
func urls(r Reply) []string {
	if r.Keyboard == nil {
		return nil
	}
	var out []string
	for _, row := range r.Keyboard.InlineKeyboard {
		for _, b := range row {
			if b.URL != "" {
				out = append(out, b.URL)
			}
		}
	}
	return out
}
