package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

func TestHTTPPaymentProcessorCharge(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]string{"transaction_id": "txn-42"})
	}))
	defer srv.Close()

	p := NewHTTPPaymentProcessor(srv.URL, "secret")
	txID, err := p.Charge(context.Background(), "cons-1", &contracts.MonetaryStake{
		AmountCents: 1000, Currency: "USD", Destination: "doctors_without_borders",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn-42", txID)
	assert.Equal(t, "cons-1", gotKey, "record id rides as the idempotency key")
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, float64(1000), gotBody["amount_cents"])
	assert.Equal(t, "doctors_without_borders", gotBody["destination"])
}

func TestHTTPContentReleaserRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/releases", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"delivery_id": "dlv-7"})
	}))
	defer srv.Close()

	c := NewHTTPContentReleaser(srv.URL, "")
	id, err := c.Release(context.Background(), "cons-2", &contracts.ContentReleaseStake{
		Severity: contracts.SeverityMajor, ContentRef: "uploads/abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "dlv-7", id)
}

func TestHTTPSocialPosterPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/posts", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"post_id": "post-3"})
	}))
	defer srv.Close()

	p := NewHTTPSocialPoster(srv.URL, "")
	id, err := p.Post(context.Background(), "cons-3", &contracts.SocialPostStake{
		PlatformAccountRef: "acct-1", Body: "I missed my deadline",
	})
	require.NoError(t, err)
	assert.Equal(t, "post-3", id)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusPaymentRequired, false},
		{http.StatusUnprocessableEntity, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		p := NewHTTPPaymentProcessor(srv.URL, "")
		_, err := p.Charge(context.Background(), "cons-1", &contracts.MonetaryStake{
			AmountCents: 1, Currency: "USD", Destination: "d",
		})
		require.Error(t, err, "status %d", tc.status)

		var cerr *Error
		require.ErrorAs(t, err, &cerr, "status %d", tc.status)
		assert.Equal(t, tc.status, cerr.StatusCode)
		assert.Equal(t, tc.retryable, cerr.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	p := NewHTTPPaymentProcessor(srv.URL, "")
	_, err := p.Charge(context.Background(), "cons-1", &contracts.MonetaryStake{
		AmountCents: 1, Currency: "USD", Destination: "d",
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryableUnclassified(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("something transient")))
	assert.False(t, IsRetryable(&Error{Retryable: false}))
	assert.True(t, IsRetryable(&Error{Retryable: true}))
}
