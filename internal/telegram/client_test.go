package telegram

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	form   url.Values
}

// fakeAPI answers Bot API calls by method name.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []call
	results map[string]string
}

func (f *fakeAPI) Do(req *http.Request) (*http.Response, error) {
	method := path.Base(req.URL.Path)
	body, _ := io.ReadAll(req.Body)
	form, _ := url.ParseQuery(string(body))

	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, form: form})
	result, ok := f.results[method]
	f.mu.Unlock()

	payload := `{"ok":true,"result":true}`
	switch {
	case method == "getMe":
		payload = `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"gate","username":"subgate_bot"}}`
	case ok:
		payload = `{"ok":true,"result":` + result + `}`
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(payload)),
	}, nil
}

func (f *fakeAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.method != "getMe" {
			out = append(out, c.method)
		}
	}
	return out
}

func (f *fakeAPI) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestClient(t *testing.T, results map[string]string) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{results: results}
	c, err := New("123:abc", api, nil)
	require.NoError(t, err)
	return c, api
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New("", &fakeAPI{}, nil)
	assert.Error(t, err)
}

func TestUsername(t *testing.T) {
	c, _ := newTestClient(t, nil)
	assert.Equal(t, "subgate_bot", c.Username())
}

func TestKickBansThenUnbansOnlyIfBanned(t *testing.T) {
	c, api := newTestClient(t, nil)
	require.NoError(t, c.Kick(context.Background(), -1001, 77))
	assert.Equal(t, []string{"banChatMember", "unbanChatMember"}, api.methods())
	unban := api.last()
	assert.Equal(t, "-1001", unban.form.Get("chat_id"))
	assert.Equal(t, "77", unban.form.Get("user_id"))
	assert.Equal(t, "true", unban.form.Get("only_if_banned"))
}

func TestIsMember(t *testing.T) {
	cases := map[string]bool{
		"creator":       true,
		"administrator": true,
		"member":        true,
		"restricted":    true,
		"left":          false,
		"kicked":        false,
	}
	for status, want := range cases {
		t.Run(status, func(t *testing.T) {
			c, _ := newTestClient(t, map[string]string{
				"getChatMember": `{"status":"` + status + `","user":{"id":77}}`,
			})
			got, err := c.IsMember(context.Background(), -1001, 77)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSendTextAndDocument(t *testing.T) {
	c, api := newTestClient(t, map[string]string{
		"sendMessage":  `{"message_id":1,"chat":{"id":5}}`,
		"sendDocument": `{"message_id":2,"chat":{"id":5}}`,
	})
	require.NoError(t, c.SendText(context.Background(), 5, "hello"))
	msg := api.last()
	assert.Equal(t, "5", msg.form.Get("chat_id"))
	assert.Equal(t, "hello", msg.form.Get("text"))

	require.NoError(t, c.SendDocument(context.Background(), 5, "r.xlsx", []byte("xlsx"), "report"))
	assert.Equal(t, []string{"sendMessage", "sendDocument"}, api.methods())
}

func TestSetWebhookRequestsChatMemberUpdates(t *testing.T) {
	c, api := newTestClient(t, nil)
	require.NoError(t, c.SetWebhook(context.Background(), "https://example.org/tg/webhook", "s3cret"))
	hook := api.last()
	assert.Equal(t, "setWebhook", hook.method)
	assert.Equal(t, "https://example.org/tg/webhook", hook.form.Get("url"))
	assert.Equal(t, "s3cret", hook.form.Get("secret_token"))
	assert.Contains(t, hook.form.Get("allowed_updates"), "chat_member")
}

func TestAnswer(t *testing.T) {
	c, api := newTestClient(t, nil)
	require.NoError(t, c.Answer(context.Background(), "cb1", "denied", true))
	cb := api.last()
	assert.Equal(t, "answerCallbackQuery", cb.method)
	assert.Equal(t, "cb1", cb.form.Get("callback_query_id"))
	assert.Equal(t, "true", cb.form.Get("show_alert"))
}

func TestDecodeUpdate(t *testing.T) {
	body := `{"update_id":9,"message":{"message_id":1,"text":"/start","chat":{"id":5,"type":"private"},"from":{"id":5}}}`
	req := httptest.NewRequest(http.MethodPost, "/tg/webhook", bytes.NewBufferString(body))
	update, err := DecodeUpdate(req)
	require.NoError(t, err)
	assert.Equal(t, 9, update.UpdateID)
	require.NotNil(t, update.Message)
	assert.Equal(t, "/start", update.Message.Text)

	_, err = DecodeUpdate(httptest.NewRequest(http.MethodGet, "/tg/webhook", nil))
	assert.Error(t, err)
	_, err = DecodeUpdate(httptest.NewRequest(http.MethodPost, "/tg/webhook", strings.NewReader("{")))
	assert.Error(t, err)
}
