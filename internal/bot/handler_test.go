package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/config"
	"companion/internal/engine"
)

type apiCall struct {
	method string
	form   map[string]string
}

// fakeAPI records Bot API calls and answers them with canned results.
type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	fail  bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	form := map[string]string{}
	if err := r.ParseMultipartForm(1 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, form: form})
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
		return
	}
	switch method {
	case "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":7,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeAPI) last(t *testing.T) apiCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func newTestHandler(t *testing.T) (*Handler, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h, err := NewHandler(config.Config{
		TelegramBotToken: "123456:test-token",
		BotMode:          config.ModePolling,
		WebhookSecret:    "s3cret",
	}, logger, tgbot.WithSkipGetMe(), tgbot.WithServerURL(srv.URL))
	require.NoError(t, err)
	return h, api
}

func TestSender_SendMessage(t *testing.T) {
	h, api := newTestHandler(t)
	s := h.Sender()

	err := s.SendMessage(context.Background(), 7, engine.Reply{
		Text: "hello",
		Keyboard: &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "Stop reminders", CallbackData: "stop"}},
		}},
	})
	require.NoError(t, err)

	call := api.last(t)
	assert.Equal(t, "sendMessage", call.method)
	assert.Equal(t, "7", call.form["chat_id"])
	assert.Equal(t, "hello", call.form["text"])

	var markup models.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(call.form["reply_markup"]), &markup))
	assert.Equal(t, "stop", markup.InlineKeyboard[0][0].CallbackData)
}

func TestSender_SendMessageWithoutKeyboard(t *testing.T) {
	h, api := newTestHandler(t)

	require.NoError(t, h.Sender().SendMessage(context.Background(), 7, engine.Reply{Text: "plain"}))

	_, hasMarkup := api.last(t).form["reply_markup"]
	assert.False(t, hasMarkup)
}

func TestSender_Errors(t *testing.T) {
	h, api := newTestHandler(t)
	api.fail = true

	err := h.Sender().SendMessage(context.Background(), 7, engine.Reply{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send message")

	err = h.Sender().AnswerCallback(context.Background(), "cb-1")
	require.Error(t, err)
}

func TestSender_AnswerCallback(t *testing.T) {
	h, api := newTestHandler(t)

	require.NoError(t, h.Sender().AnswerCallback(context.Background(), "cb-1"))

	call := api.last(t)
	assert.Equal(t, "answerCallbackQuery", call.method)
	assert.Equal(t, "cb-1", call.form["callback_query_id"])
}

type recordingUpdates struct {
	got []*models.Update
	err error
}

func (r *recordingUpdates) HandleUpdate(_ context.Context, u *models.Update) error {
	r.got = append(r.got, u)
	return r.err
}

func TestHandler_Dispatch(t *testing.T) {
	h, _ := newTestHandler(t)
	u := &models.Update{ID: 99}

	assert.NotPanics(t, func() { h.dispatch(context.Background(), nil, u) })

	rec := &recordingUpdates{err: errors.New("boom")}
	h.Route(rec)
	h.dispatch(context.Background(), nil, u)
	require.Len(t, rec.got, 1)
	assert.Equal(t, int64(99), rec.got[0].ID)
}
