package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeNotFound, Classify(ErrNotFound))
	assert.Equal(t, OutcomeNotFound, Classify(fmt.Errorf("fetch withdrawal 7: %w", ErrNotFound)))
	assert.Equal(t, OutcomeTransient, Classify(Transient("network", errors.New("dial timeout"))))
	assert.Equal(t, OutcomeTransient, Classify(errors.New("anything else")))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ok", OutcomeOK.String())
	assert.Equal(t, "not_found", OutcomeNotFound.String())
	assert.Equal(t, "transient", OutcomeTransient.String())
}

func newTestClient(url string) *HTTPClient {
	return NewHTTPWithOpts(Opts{
		Endpoints:       []string{url},
		RPS:             1000,
		Burst:           1000,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	})
}

func TestWithdrawalRequestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, withdrawalPath, r.URL.Path)
		var args map[string]uint64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		_ = json.NewEncoder(w).Encode(OnchainWithdrawal{
			RequestID:             args["request_id"],
			Provider:              "prov-a",
			SettlementKey:         "pool-key",
			DestinationAccountRef: "acct-a",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	w, err := c.WithdrawalRequest(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), w.RequestID)
	assert.Equal(t, "prov-a", w.Provider)
}

func TestWithdrawalRequestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.WithdrawalRequest(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, OutcomeNotFound, Classify(err))
}

func TestSubmitSettlementRejectedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{Accepted: false, Reason: "insufficient liquidity"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.SubmitSettlement(context.Background(), SettlementInstruction{Provider: "prov-a"})
	require.Error(t, err)

	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OutcomeTransient, Classify(err))
}

func TestSubmitSettlementAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in SettlementInstruction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "pool-key", in.SettlementKey)
		_ = json.NewEncoder(w).Encode(submitResponse{Accepted: true})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.SubmitSettlement(context.Background(), SettlementInstruction{
		Provider:              "prov-a",
		SettlementKey:         "pool-key",
		DestinationAccountRef: "acct-a",
	})
	require.NoError(t, err)
}

func TestServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Pool(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeTransient, Classify(err))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 5; i++ {
		_, _ = c.Pool(context.Background())
	}
	// Breaker opens after 3 failures; later calls must not hit the endpoint.
	assert.Equal(t, 3, calls)
}

func TestPoolFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, poolPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(PoolState{
			TotalLiquidity: 9_000_000,
			TotalShares:    4_500_000,
			FeeBps:         30,
			APR:            8.25,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	pool, err := c.Pool(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9_000_000), pool.TotalLiquidity)
	assert.Equal(t, 8.25, pool.APR)
}
