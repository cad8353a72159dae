package billingclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/basilica-network/basilica/internal/domain"
)

func TestApplyCreditsSendsServiceAuthHeaders(t *testing.T) {
	var gotServiceID, gotToken string
	var gotBody applyCreditsRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotServiceID = r.Header.Get("X-Service-ID")
		gotToken = r.Header.Get("X-Service-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(applyCreditsResponse{CreditID: "credit-1", NewBalance: "5"})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, ServiceID: "payments-monitor", Secret: "s3cr3t"})
	require.NoError(t, err)

	creditID, err := client.ApplyCredits(context.Background(), domain.UserId("alice"), decimal.NewFromInt(5), "b1#e1#aa")
	require.NoError(t, err)
	require.Equal(t, "credit-1", creditID)
	require.Equal(t, "payments-monitor", gotServiceID)
	require.Equal(t, "s3cr3t", gotToken)
	require.Equal(t, "alice", gotBody.UserID)
	require.Equal(t, "b1#e1#aa", gotBody.TransactionID)
}

func TestApplyCreditsTransientOn5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, ServiceID: "payments-monitor", Secret: "s3cr3t"})
	require.NoError(t, err)

	_, err = client.ApplyCredits(context.Background(), domain.UserId("alice"), decimal.NewFromInt(5), "b1#e1#aa")
	require.Error(t, err)
}
