// Package validatorrpc exposes the rental start/stop surface (spec.md
// §4.11, C11) that the (out-of-scope) gateway calls on a renter's behalf.
// Routes are registered on a gorilla/mux router behind the same
// shared-secret service-auth middleware as internal/billingrpc, grounded on
// the same cmd/gateway/handlers_gasbank.go route-registration shape.
package validatorrpc

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/infrastructure/httputil"
	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/middleware"
	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/rental"
)

// RentalManager is the subset of *rental.Manager the RPC surface depends
// on.
type RentalManager interface {
	StartRental(ctx context.Context, req rental.StartRequest) (*rental.Rental, error)
	StopRental(ctx context.Context, id domain.RentalId, force bool) error
	Get(id domain.RentalId) (*rental.Rental, bool)
}

// Server wires a RentalManager onto the exact RPC surface spec.md §4.11
// describes.
type Server struct {
	manager RentalManager
	logger  *logging.Logger
}

// New constructs a Server.
func New(manager RentalManager, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("validatorrpc", "info", "json")
	}
	return &Server{manager: manager, logger: logger}
}

// Router builds the mux.Router exposing every route behind the
// service-auth middleware; serviceSecrets maps a calling service id to its
// shared bearer secret.
func (s *Server) Router(serviceSecrets map[string]string) *mux.Router {
	r := mux.NewRouter()
	auth := middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{Secrets: serviceSecrets, Logger: s.logger})

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(auth.Handler)
	internal.HandleFunc("/rentals/start", httputil.HandleJSONWithServiceAuth(s.logger, s.startRental)).Methods(http.MethodPost)
	internal.HandleFunc("/rentals/stop", httputil.HandleJSONWithServiceAuth(s.logger, s.stopRental)).Methods(http.MethodPost)
	internal.HandleFunc("/rentals/{id}", s.getRental).Methods(http.MethodGet)

	return r
}

type containerSpecWire struct {
	Image        string            `json:"image"`
	CPUCores     float64           `json:"cpu_cores"`
	MemoryMB     int64             `json:"memory_mb"`
	StorageMB    int64             `json:"storage_mb"`
	GPUCount     uint32            `json:"gpu_count"`
	NetworkMode  string            `json:"network_mode"`
	Volumes      []rental.Volume   `json:"volumes,omitempty"`
	Ports        []rental.Port     `json:"ports,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

func (w containerSpecWire) toSpec() rental.ContainerSpec {
	return rental.ContainerSpec{
		Image:        w.Image,
		CPUCores:     w.CPUCores,
		MemoryMB:     w.MemoryMB,
		StorageMB:    w.StorageMB,
		GPUCount:     w.GPUCount,
		Network:      rental.NetworkConfig{Mode: w.NetworkMode},
		Volumes:      w.Volumes,
		Ports:        w.Ports,
		Capabilities: w.Capabilities,
		Labels:       w.Labels,
	}
}

type startRentalRequest struct {
	ValidatorHotkey string            `json:"validator_hotkey"`
	MinerAddr       string            `json:"miner_addr"`
	ExecutorID      string            `json:"executor_id"`
	PublicKey       string            `json:"public_key"`
	Spec            containerSpecWire `json:"container_spec"`
	ExpiresInSecs   int64             `json:"expires_in_seconds,omitempty"`
}

type rentalResponse struct {
	RentalID     string `json:"rental_id"`
	State        string `json:"state"`
	ContainerID  string `json:"container_id"`
	SSHHost      string `json:"ssh_host"`
	SSHPort      int    `json:"ssh_port"`
	SSHUsername  string `json:"ssh_username"`
}

func toRentalResponse(r *rental.Rental) rentalResponse {
	return rentalResponse{
		RentalID:    string(r.ID),
		State:       string(r.State),
		ContainerID: r.ContainerID,
		SSHHost:     r.Credentials.Host,
		SSHPort:     r.Credentials.Port,
		SSHUsername: r.Credentials.Username,
	}
}

func (s *Server) startRental(ctx context.Context, serviceID string, req *startRentalRequest) (rentalResponse, error) {
	var expiresAt *time.Time
	if req.ExpiresInSecs > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresInSecs) * time.Second)
		expiresAt = &t
	}
	r, err := s.manager.StartRental(ctx, rental.StartRequest{
		ValidatorHotkey: req.ValidatorHotkey,
		MinerAddr:       req.MinerAddr,
		ExecutorID:      req.ExecutorID,
		PublicKey:       req.PublicKey,
		Spec:            req.Spec.toSpec(),
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		return rentalResponse{}, err
	}
	return toRentalResponse(r), nil
}

type stopRentalRequest struct {
	RentalID string `json:"rental_id"`
	Force    bool   `json:"force"`
}

func (s *Server) stopRental(ctx context.Context, serviceID string, req *stopRentalRequest) (struct{}, error) {
	return struct{}{}, s.manager.StopRental(ctx, domain.RentalId(req.RentalID), req.Force)
}

func (s *Server) getRental(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rentalObj, ok := s.manager.Get(domain.RentalId(id))
	if !ok {
		s.writeDomainError(w, r, errors.NotFound("rental", id))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRentalResponse(rentalObj))
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	s.logger.WithContext(r.Context()).WithError(err).Error("unhandled error")
	httputil.InternalError(w, "internal server error")
}
