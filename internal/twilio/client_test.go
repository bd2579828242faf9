package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/config"
)

type capture struct {
	mu     sync.Mutex
	bodies []string
	tos    []string
	froms  []string
	auth   []string
	path   string
}

func newServer(t *testing.T, c *capture, status int, resp string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		user, pass, _ := r.BasicAuth()
		c.mu.Lock()
		c.path = r.URL.Path
		c.bodies = append(c.bodies, r.PostForm.Get("Body"))
		c.tos = append(c.tos, r.PostForm.Get("To"))
		c.froms = append(c.froms, r.PostForm.Get("From"))
		c.auth = append(c.auth, user+":"+pass)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(base string) config.TwilioConfig {
	return config.TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+14155238886",
		APIBase:    base,
		SendRPS:    1000,
	}
}

func TestSend_DeliversChunksInOrder(t *testing.T) {
	t.Parallel()
	var c capture
	srv := newServer(t, &c, http.StatusCreated, `{"sid":"SM1","status":"queued"}`)

	client, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	err = client.Send(context.Background(), "whatsapp:+15551234567", []string{"one", "two", "three"})
	require.NoError(t, err)

	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", c.path)
	assert.Equal(t, []string{"one", "two", "three"}, c.bodies)
	for i := range c.tos {
		assert.Equal(t, "whatsapp:+15551234567", c.tos[i])
		assert.Equal(t, "whatsapp:+14155238886", c.froms[i])
		assert.Equal(t, "AC123:secret", c.auth[i])
	}
}

func TestSend_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	var c capture
	srv := newServer(t, &c, http.StatusBadRequest,
		`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`)

	client, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	err = client.Send(context.Background(), "+1", []string{"a", "b"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, 21211, apiErr.Code)
	assert.Len(t, c.bodies, 1)
}

func TestSend_NonJSONError(t *testing.T) {
	t.Parallel()
	var c capture
	srv := newServer(t, &c, http.StatusBadGateway, "upstream down")

	client, err := New(testConfig(srv.URL), WithRetry(3, time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	err = client.Send(context.Background(), "+15551234567", []string{"a"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Len(t, c.bodies, 3, "5xx is retried up to the try limit")
}

// sequenceServer answers with statuses in order, then 201 for the rest.
func sequenceServer(t *testing.T, header http.Header, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		w.Header().Set("Content-Type", "application/json")
		if n <= len(statuses) {
			for k, v := range header {
				w.Header()[k] = v
			}
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"code":20429,"message":"Too Many Requests"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM9","status":"queued"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSend_RetriesTooManyRequests(t *testing.T) {
	t.Parallel()
	srv, hits := sequenceServer(t, nil, http.StatusTooManyRequests)

	client, err := New(testConfig(srv.URL), WithRetry(3, time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, client.Send(context.Background(), "+15551234567", []string{"hello"}))
	assert.Equal(t, int32(2), hits.Load())
}

func TestSend_HonoursRetryAfter(t *testing.T) {
	t.Parallel()
	srv, hits := sequenceServer(t, http.Header{"Retry-After": {"1"}}, http.StatusTooManyRequests)

	client, err := New(testConfig(srv.URL), WithRetry(3, time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, client.Send(context.Background(), "+15551234567", []string{"hello"}))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSend_GivesUpAfterTries(t *testing.T) {
	t.Parallel()
	srv, hits := sequenceServer(t, nil, 429, 429, 429, 429)

	client, err := New(testConfig(srv.URL), WithRetry(2, time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	err = client.Send(context.Background(), "+15551234567", []string{"hello"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, int32(2), hits.Load())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("3600"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

func TestSend_CanceledContext(t *testing.T) {
	t.Parallel()
	var c capture
	srv := newServer(t, &c, http.StatusCreated, `{"sid":"SM1"}`)

	cfg := testConfig(srv.URL)
	cfg.SendRPS = 0.001
	client, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.Send(ctx, "+15551234567", []string{"a", "b"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := New(config.TwilioConfig{FromNumber: "+1"})
	assert.Error(t, err)
}
