// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/basilica-network/basilica/infrastructure/errors"
	internalhttputil "github.com/basilica-network/basilica/infrastructure/httputil"
	"github.com/basilica-network/basilica/infrastructure/logging"
)

// ServiceTokenHeader carries the shared-secret bearer token used for
// service-to-service calls between the payments monitor, billing, the
// executor agent, and the validator.
const ServiceTokenHeader = "X-Service-Token"

// ServiceIDHeader re-exports the canonical service identity header.
const ServiceIDHeader = internalhttputil.ServiceIDHeader

// UserIDHeader re-exports the canonical end-user identity header.
const UserIDHeader = internalhttputil.UserIDHeader

// ServiceAuthConfig configures the service authentication middleware.
type ServiceAuthConfig struct {
	// Secrets maps a service ID to its expected bearer token. A deployment
	// provisions one shared secret per calling service (no PKI required).
	Secrets map[string]string
	Logger  *logging.Logger
}

// ServiceAuthMiddleware authenticates service-to-service calls against a
// configured set of per-service shared secrets, in place of the PKI/JWT
// scheme this corpus uses for end-user auth (out of scope for the core).
type ServiceAuthMiddleware struct {
	secrets map[string]string
	logger  *logging.Logger
}

// NewServiceAuthMiddleware creates a new service authentication middleware.
func NewServiceAuthMiddleware(cfg ServiceAuthConfig) *ServiceAuthMiddleware {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("serviceauth", "info", "json")
	}
	secrets := cfg.Secrets
	if secrets == nil {
		secrets = map[string]string{}
	}
	return &ServiceAuthMiddleware{secrets: secrets, logger: logger}
}

// Handler returns the middleware handler function.
func (m *ServiceAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serviceID := internalhttputil.CanonicalizeServiceID(r.Header.Get(ServiceIDHeader))
		token := r.Header.Get(ServiceTokenHeader)

		if serviceID == "" || token == "" {
			m.respond(w, r, errors.Unauthorized("missing service credentials"))
			return
		}

		expected, ok := m.secrets[serviceID]
		if !ok || expected == "" {
			m.respond(w, r, errors.Forbidden("service not authorized"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
				"service_id": serviceID,
			}).Warn("service token mismatch")
			m.respond(w, r, errors.Unauthorized("invalid service token"))
			return
		}

		ctx := internalhttputil.WithServiceID(r.Context(), serviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *ServiceAuthMiddleware) respond(w http.ResponseWriter, r *http.Request, err *errors.ServiceError) {
	internalhttputil.WriteErrorResponse(w, r, err.HTTPStatus, string(err.Code), err.Message, err.Details)
}

// RequireServiceAuth is a convenience middleware requiring that GetServiceID
// resolved a caller identity (e.g. behind a reverse proxy that already ran
// ServiceAuthMiddleware, or under verified mTLS).
func RequireServiceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serviceID := internalhttputil.GetServiceID(r)
		if serviceID == "" {
			internalhttputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "AUTH_REQUIRED", "service authentication required", nil)
			return
		}
		ctx := internalhttputil.WithServiceID(r.Context(), serviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
