// Package billingrpc exposes the deposit/credit RPC surface (spec.md §4.14,
// C14) that C7's outbox dispatcher, the validator, and the (out-of-scope)
// gateway call into. Routes are registered on a gorilla/mux router,
// grounded on cmd/gateway/handlers_gasbank.go's handler-factory shape and
// services/gasbank/marble/api.go's route layout, generalized from the
// teacher's gas-bank deposit/withdraw surface to spec.md §6's exact RPC set.
package billingrpc

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/infrastructure/httputil"
	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/middleware"
	"github.com/basilica-network/basilica/internal/deposits"
	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/ledger"
)

// CreditLedger is the subset of *ledger.Manager the RPC surface depends on.
type CreditLedger interface {
	GetBalance(ctx context.Context, userID domain.UserId) (domain.CreditBalance, error)
	ApplyCreditsIdempotent(ctx context.Context, userID domain.UserId, amount domain.CreditBalance, transactionID string) (creditID string, newBalance domain.CreditBalance, err error)
	ReserveCredits(ctx context.Context, userID domain.UserId, amount domain.CreditBalance, duration time.Duration, rentalID *domain.RentalId) (domain.ReservationId, error)
	ReleaseReservation(ctx context.Context, reservationID domain.ReservationId) (domain.CreditBalance, error)
	ChargeFromReservation(ctx context.Context, reservationID domain.ReservationId, actual domain.CreditBalance) (domain.CreditBalance, error)
	GetReservation(ctx context.Context, reservationID domain.ReservationId) (ledger.Reservation, error)
	GetActiveReservations(ctx context.Context, userID domain.UserId) ([]ledger.Reservation, error)
	SetUserPackage(ctx context.Context, userID domain.UserId, packageID domain.PackageId) error
	GetUserPackage(ctx context.Context, userID domain.UserId) (domain.PackageId, error)
}

// DepositRegistry is the subset of *deposits.Manager the RPC surface depends
// on.
type DepositRegistry interface {
	CreateOrGet(ctx context.Context, userID domain.UserId) (address, publicKeyHex string, err error)
	ListByUser(ctx context.Context, userID domain.UserId, limit, offset int) ([]deposits.ObservedDepositView, error)
}

// Server wires CreditLedger and DepositRegistry onto the exact surface of
// spec.md §6/§4.14.
type Server struct {
	ledger   CreditLedger
	deposits DepositRegistry
	logger   *logging.Logger
}

// New constructs a Server.
func New(l CreditLedger, d DepositRegistry, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("billingrpc", "info", "json")
	}
	return &Server{ledger: l, deposits: d, logger: logger}
}

// Router builds the mux.Router exposing every route. serviceSecrets maps a
// calling service id (e.g. "payments-monitor") to its shared bearer secret,
// guarding the internal routes that only C7/the validator are meant to call.
func (s *Server) Router(serviceSecrets map[string]string) *mux.Router {
	r := mux.NewRouter()
	auth := middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{Secrets: serviceSecrets, Logger: s.logger})

	// End-user facing deposit/credit surface.
	r.HandleFunc("/v1/deposits/account", httputil.HandleNoBodyWithUserAuth(s.logger, s.createDepositAccount)).Methods(http.MethodPost)
	r.HandleFunc("/v1/deposits/account", httputil.HandleNoBodyWithUserAuth(s.logger, s.getDepositAccount)).Methods(http.MethodGet)
	r.HandleFunc("/v1/deposits", s.listDeposits).Methods(http.MethodGet)
	r.HandleFunc("/v1/balance", httputil.HandleNoBodyWithUserAuth(s.logger, s.getBalance)).Methods(http.MethodGet)
	r.HandleFunc("/v1/reservations", httputil.HandleNoBodyWithUserAuth(s.logger, s.listActiveReservations)).Methods(http.MethodGet)
	r.HandleFunc("/v1/reservations/{id}", s.getReservation).Methods(http.MethodGet)
	r.HandleFunc("/v1/packages", httputil.HandleNoBody(s.logger, s.getBillingPackages)).Methods(http.MethodGet)

	// Service-to-service surface (C7 -> C3, and the validator -> C3 for
	// reserve/release/charge around a rental's lifecycle).
	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(auth.Handler)
	internal.HandleFunc("/credits/apply", httputil.HandleJSONWithServiceAuth(s.logger, s.applyCredits)).Methods(http.MethodPost)
	internal.HandleFunc("/credits/reserve", httputil.HandleJSONWithServiceAuth(s.logger, s.reserveCredits)).Methods(http.MethodPost)
	internal.HandleFunc("/credits/release", httputil.HandleJSONWithServiceAuth(s.logger, s.releaseReservation)).Methods(http.MethodPost)
	internal.HandleFunc("/credits/charge", httputil.HandleJSONWithServiceAuth(s.logger, s.chargeFromReservation)).Methods(http.MethodPost)
	internal.HandleFunc("/packages/user", httputil.HandleJSONWithServiceAuth(s.logger, s.setUserPackage)).Methods(http.MethodPost)

	return r
}

// --- end-user handlers ---

type depositAccountResponse struct {
	Address      string `json:"address"`
	PublicKeyHex string `json:"public_key"`
	Exists       bool   `json:"exists"`
}

func (s *Server) createDepositAccount(ctx context.Context, userID string) (depositAccountResponse, error) {
	address, pubKey, err := s.deposits.CreateOrGet(ctx, domain.UserId(userID))
	if err != nil {
		return depositAccountResponse{}, err
	}
	return depositAccountResponse{Address: address, PublicKeyHex: pubKey, Exists: true}, nil
}

func (s *Server) getDepositAccount(ctx context.Context, userID string) (depositAccountResponse, error) {
	address, pubKey, err := s.deposits.CreateOrGet(ctx, domain.UserId(userID))
	if err != nil {
		if svcErr := errors.GetServiceError(err); svcErr != nil && svcErr.Code == errors.ErrCodeNotFound {
			return depositAccountResponse{Exists: false}, nil
		}
		return depositAccountResponse{}, err
	}
	return depositAccountResponse{Address: address, PublicKeyHex: pubKey, Exists: true}, nil
}

func (s *Server) listDeposits(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	limit := httputil.QueryInt(r, "limit", 50)
	if limit > 100 {
		limit = 100
	}
	offset := httputil.QueryInt(r, "offset", 0)
	views, err := s.deposits.ListByUser(r.Context(), domain.UserId(userID), limit, offset)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("list deposits failed")
		httputil.InternalError(w, "failed to list deposits")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

func (s *Server) getBalance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	return s.ledger.GetBalance(ctx, domain.UserId(userID))
}

func (s *Server) listActiveReservations(ctx context.Context, userID string) ([]ledger.Reservation, error) {
	return s.ledger.GetActiveReservations(ctx, domain.UserId(userID))
}

func (s *Server) getReservation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.ledger.GetReservation(r.Context(), domain.ReservationId(id))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) getBillingPackages(ctx context.Context) ([]ledger.Package, error) {
	return []ledger.Package{
		ledger.PackageFor(domain.PackageH100),
		ledger.PackageFor(domain.PackageH200),
		ledger.PackageFor(domain.PackageCustom),
	}, nil
}

// --- service-to-service handlers ---

type applyCreditsRequest struct {
	UserID        string `json:"user_id"`
	AmountCredits string `json:"amount_credits"`
	TransactionID string `json:"transaction_id"`
}

type applyCreditsResponse struct {
	CreditID   string `json:"credit_id"`
	NewBalance string `json:"new_balance"`
}

// applyCredits accepts signed amounts: a negative amount_credits is an
// administrative debit (spec.md §4.3). The sign is not restricted here —
// ledger.Manager.ApplyCreditsIdempotent enforces I1 (balance >= reserved >=
// 0) against the account's current reservation before committing, so a
// caller can credit, debit, or zero out a balance but never drive it below
// what's reserved or negative.
func (s *Server) applyCredits(ctx context.Context, serviceID string, req *applyCreditsRequest) (applyCreditsResponse, error) {
	amount, err := decimal.NewFromString(req.AmountCredits)
	if err != nil {
		return applyCreditsResponse{}, errors.InvalidFormat("amount_credits", "decimal string")
	}
	if amount.Exponent() < -6 {
		return applyCreditsResponse{}, errors.InvalidFormat("amount_credits", "at most 6 decimal places")
	}
	creditID, newBalance, err := s.ledger.ApplyCreditsIdempotent(ctx, domain.UserId(req.UserID), domain.BalanceFromDecimal(amount), req.TransactionID)
	if err != nil {
		return applyCreditsResponse{}, err
	}
	return applyCreditsResponse{CreditID: creditID, NewBalance: newBalance.String()}, nil
}

type reserveCreditsRequest struct {
	UserID       string `json:"user_id"`
	Amount       string `json:"amount"`
	DurationSecs int64  `json:"duration_seconds"`
	RentalID     string `json:"rental_id,omitempty"`
}

type reserveCreditsResponse struct {
	ReservationID string `json:"reservation_id"`
}

func (s *Server) reserveCredits(ctx context.Context, serviceID string, req *reserveCreditsRequest) (reserveCreditsResponse, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return reserveCreditsResponse{}, errors.InvalidFormat("amount", "decimal string")
	}
	var rentalID *domain.RentalId
	if req.RentalID != "" {
		rid := domain.RentalId(req.RentalID)
		rentalID = &rid
	}
	id, err := s.ledger.ReserveCredits(ctx, domain.UserId(req.UserID), domain.BalanceFromDecimal(amount), time.Duration(req.DurationSecs)*time.Second, rentalID)
	if err != nil {
		return reserveCreditsResponse{}, err
	}
	return reserveCreditsResponse{ReservationID: string(id)}, nil
}

type reservationIDRequest struct {
	ReservationID string `json:"reservation_id"`
}

type releasedResponse struct {
	ReleasedAmount string `json:"released_amount"`
}

func (s *Server) releaseReservation(ctx context.Context, serviceID string, req *reservationIDRequest) (releasedResponse, error) {
	released, err := s.ledger.ReleaseReservation(ctx, domain.ReservationId(req.ReservationID))
	if err != nil {
		return releasedResponse{}, err
	}
	return releasedResponse{ReleasedAmount: released.String()}, nil
}

type chargeRequest struct {
	ReservationID string `json:"reservation_id"`
	ActualAmount  string `json:"actual_amount"`
}

type chargeResponse struct {
	NewBalance string `json:"new_balance"`
}

func (s *Server) chargeFromReservation(ctx context.Context, serviceID string, req *chargeRequest) (chargeResponse, error) {
	actual, err := decimal.NewFromString(req.ActualAmount)
	if err != nil {
		return chargeResponse{}, errors.InvalidFormat("actual_amount", "decimal string")
	}
	newBalance, err := s.ledger.ChargeFromReservation(ctx, domain.ReservationId(req.ReservationID), domain.BalanceFromDecimal(actual))
	if err != nil {
		return chargeResponse{}, err
	}
	return chargeResponse{NewBalance: newBalance.String()}, nil
}

type setUserPackageRequest struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
}

func (s *Server) setUserPackage(ctx context.Context, serviceID string, req *setUserPackageRequest) (struct{}, error) {
	return struct{}{}, s.ledger.SetUserPackage(ctx, domain.UserId(req.UserID), domain.PackageId(req.PackageID))
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	s.logger.WithContext(r.Context()).WithError(err).Error("unhandled error")
	httputil.InternalError(w, "internal server error")
}
