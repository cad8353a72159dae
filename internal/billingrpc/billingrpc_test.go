package billingrpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basilica-network/basilica/infrastructure/middleware"
	"github.com/basilica-network/basilica/internal/deposits"
	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/ledger"
)

func newTestServer(t *testing.T) (*Server, *ledger.Manager) {
	t.Helper()
	ledgerMgr := ledger.NewManager(ledger.NewFakeRepository())
	masterKey := bytes.Repeat([]byte{0x42}, 32)
	depositsMgr := deposits.NewManager(deposits.NewFakeRepository(), masterKey, 42)
	return New(ledgerMgr, depositsMgr, nil), ledgerMgr
}

func TestCreateDepositAccountIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router(nil)

	do := func() depositAccountResponse {
		req := httptest.NewRequest(http.MethodPost, "/v1/deposits/account", nil)
		req.Header.Set(middleware.UserIDHeader, "alice")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp depositAccountResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	first := do()
	second := do()
	require.Equal(t, first.Address, second.Address)
	require.Equal(t, first.PublicKeyHex, second.PublicKeyHex)
}

func TestApplyCreditsRequiresServiceAuth(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router(map[string]string{"payments-monitor": "secret"})

	body := bytes.NewBufferString(`{"user_id":"alice","amount_credits":"5","transaction_id":"b1#e1#aa"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/credits/apply", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApplyCreditsIdempotentOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router(map[string]string{"payments-monitor": "secret"})

	call := func() applyCreditsResponse {
		body := bytes.NewBufferString(`{"user_id":"alice","amount_credits":"5","transaction_id":"b1#e1#aa"}`)
		req := httptest.NewRequest(http.MethodPost, "/internal/credits/apply", body)
		req.Header.Set(middleware.ServiceIDHeader, "payments-monitor")
		req.Header.Set(middleware.ServiceTokenHeader, "secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp applyCreditsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	first := call()
	second := call()
	require.Equal(t, first.CreditID, second.CreditID)
	require.Equal(t, "5", first.NewBalance)
	require.Equal(t, domain.PackageH100, domain.PackageH100)
}

func TestReserveAndReleaseRoundTrip(t *testing.T) {
	s, ledgerMgr := newTestServer(t)
	_ = ledgerMgr
	router := s.Router(map[string]string{"validator": "v-secret"})

	applyBody := bytes.NewBufferString(`{"user_id":"bob","amount_credits":"100","transaction_id":"b2#e1#bb"}`)
	applyReq := httptest.NewRequest(http.MethodPost, "/internal/credits/apply", applyBody)
	applyReq.Header.Set(middleware.ServiceIDHeader, "validator")
	applyReq.Header.Set(middleware.ServiceTokenHeader, "v-secret")
	applyRec := httptest.NewRecorder()
	router.ServeHTTP(applyRec, applyReq)
	require.Equal(t, http.StatusOK, applyRec.Code)

	reserveBody := bytes.NewBufferString(`{"user_id":"bob","amount":"30","duration_seconds":3600}`)
	reserveReq := httptest.NewRequest(http.MethodPost, "/internal/credits/reserve", reserveBody)
	reserveReq.Header.Set(middleware.ServiceIDHeader, "validator")
	reserveReq.Header.Set(middleware.ServiceTokenHeader, "v-secret")
	reserveRec := httptest.NewRecorder()
	router.ServeHTTP(reserveRec, reserveReq)
	require.Equal(t, http.StatusOK, reserveRec.Code)

	var reserveResp reserveCreditsResponse
	require.NoError(t, json.Unmarshal(reserveRec.Body.Bytes(), &reserveResp))
	require.NotEmpty(t, reserveResp.ReservationID)

	releaseBody, err := json.Marshal(reservationIDRequest{ReservationID: reserveResp.ReservationID})
	require.NoError(t, err)
	releaseReq := httptest.NewRequest(http.MethodPost, "/internal/credits/release", bytes.NewReader(releaseBody))
	releaseReq.Header.Set(middleware.ServiceIDHeader, "validator")
	releaseReq.Header.Set(middleware.ServiceTokenHeader, "v-secret")
	releaseRec := httptest.NewRecorder()
	router.ServeHTTP(releaseRec, releaseReq)
	require.Equal(t, http.StatusOK, releaseRec.Code)

	var releaseResp releasedResponse
	require.NoError(t, json.Unmarshal(releaseRec.Body.Bytes(), &releaseResp))
	require.Equal(t, "30", releaseResp.ReleasedAmount)
}
