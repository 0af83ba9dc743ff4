package httpretry

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ignite/lead-drip/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedDoer struct {
	responses []func() (*http.Response, error)
	calls     int
	bodies    []string
}

func (s *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
	}
	fn := s.responses[s.calls]
	s.calls++
	return fn()
}

func respond(status int, body string) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

func fail(err error) func() (*http.Response, error) {
	return func() (*http.Response, error) { return nil, err }
}

func testPolicy(n int) retry.Policy {
	return retry.Policy{MaxAttempts: n, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestRetryClient_RetriesServerErrors(t *testing.T) {
	doer := &scriptedDoer{responses: []func() (*http.Response, error){
		respond(503, "unavailable"),
		fail(errors.New("connection reset")),
		respond(200, "ok"),
	}}
	rc := NewRetryClient(doer, testPolicy(3))

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/emails", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, doer.calls)
	assert.Equal(t, []string{`{"a":1}`, `{"a":1}`, `{"a":1}`}, doer.bodies)
}

func TestRetryClient_DoesNotRetryClientErrors(t *testing.T) {
	doer := &scriptedDoer{responses: []func() (*http.Response, error){
		respond(422, `{"message":"invalid"}`),
	}}
	rc := NewRetryClient(doer, testPolicy(3))

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/emails/1", nil)
	resp, err := rc.Do(req)
	require.NoError(t, err)
	assert.Equal(t, 422, resp.StatusCode)
	assert.Equal(t, 1, doer.calls)
}

func TestRetryClient_ReturnsLastRetryableResponse(t *testing.T) {
	doer := &scriptedDoer{responses: []func() (*http.Response, error){
		respond(429, "slow down"),
		respond(429, "slow down again"),
	}}
	rc := NewRetryClient(doer, testPolicy(2))

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/audiences", nil)
	resp, err := rc.Do(req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 429, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "slow down again", string(body))
	assert.Equal(t, 2, doer.calls)
}

func TestRetryClient_NetworkErrorExhausted(t *testing.T) {
	netErr := errors.New("dial tcp: timeout")
	doer := &scriptedDoer{responses: []func() (*http.Response, error){
		fail(netErr), fail(netErr),
	}}
	rc := NewRetryClient(doer, testPolicy(2))

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/audiences", nil)
	resp, err := rc.Do(req)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, netErr)
}

func TestIsRetryableStatus(t *testing.T) {
	for code, want := range map[int]bool{
		200: false, 400: false, 401: false, 404: false, 422: false,
		429: true, 500: true, 502: true, 503: true, 504: true,
	} {
		assert.Equal(t, want, isRetryableStatus(code), "status %d", code)
	}
}
