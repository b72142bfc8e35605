package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

func TestSenderSendSuccessReturnsNoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewSender(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3})
	outcome, err := s.Send(context.Background(), http.MethodPost, srv.URL, map[string]string{}, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Nil(t, outcome.Err)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.Contains(t, outcome.Body, "ok")
}

func TestSenderClassifiesRateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSender(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3})
	outcome, err := s.Send(context.Background(), http.MethodPost, srv.URL, map[string]string{}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Err)
	require.Equal(t, gatewayerr.RateLimited, outcome.Err.Category)
	require.Equal(t, 2*time.Second, outcome.RetryAfter)
}

func TestSenderClassifiesServerErrorAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSender(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3})
	outcome, err := s.Send(context.Background(), http.MethodPost, srv.URL, map[string]string{}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Err)
	require.Equal(t, gatewayerr.Transient, outcome.Err.Category)
}

func TestSenderClassifiesClientErrorAsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSender(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3})
	outcome, err := s.Send(context.Background(), http.MethodPost, srv.URL, map[string]string{}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Err)
	require.Equal(t, gatewayerr.Permanent, outcome.Err.Category)
}

func TestSenderClassifiesUnauthorizedAsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSender(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3})
	outcome, err := s.Send(context.Background(), http.MethodPost, srv.URL, map[string]string{}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Err)
	require.Equal(t, gatewayerr.Permanent, outcome.Err.Category)
}

func TestSenderClassifiesTimeoutAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(700 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(config.HTTPClientConfig{TimeoutMs: 500, MaxRedirects: 3})
	outcome, err := s.Send(context.Background(), http.MethodPost, srv.URL, map[string]string{}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Err)
	require.Equal(t, gatewayerr.Transient, outcome.Err.Category)
}

func TestSenderClampsTimeoutToConfiguredBounds(t *testing.T) {
	s := NewSender(config.HTTPClientConfig{TimeoutMs: 10, MaxRedirects: 3})
	require.Equal(t, 500*time.Millisecond, s.client.Timeout)

	s2 := NewSender(config.HTTPClientConfig{TimeoutMs: 999999, MaxRedirects: 3})
	require.Equal(t, 60000*time.Millisecond, s2.client.Timeout)
}
