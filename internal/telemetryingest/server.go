// Package telemetryingest is the billing-side receiving end of C9's
// telemetry stream (spec.md §4.9's "remote ingest endpoint"): it accepts
// the persistent bidirectional connection internal/telemetry/streamclient
// dials, decodes each TelemetryData frame, and appends it to C4's event
// store. Grounded on the same gorilla/websocket transport as the client
// side and on internal/billingrpc's service-auth gating for the optional
// API key header spec.md §4.9 describes.
package telemetryingest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/internal/domain"
	"github.com/basilica-network/basilica/internal/eventstore"
	"github.com/basilica-network/basilica/internal/telemetry/streamclient"
)

// EventStore is the subset of eventstore.Store the ingest handler depends
// on.
type EventStore interface {
	AppendUsageEvent(ctx context.Context, e eventstore.UsageEvent) error
}

// Config controls optional API-key enforcement, matching the header name
// streamclient.Config can be set to send (spec.md §4.9).
type Config struct {
	APIKey       string
	APIKeyHeader string // "x-api-key" or "authorization"; defaults to "x-api-key". An empty APIKey disables the check
}

// Server upgrades incoming connections and drains TelemetryData frames
// into an EventStore until the client disconnects.
type Server struct {
	cfg      Config
	store    EventStore
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// New constructs a Server.
func New(cfg Config, store EventStore, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("telemetryingest", "info", "json")
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler: one long-lived connection per
// executor, each frame a single streamclient.TelemetryData record.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" {
		header := s.cfg.APIKeyHeader
		if header == "" {
			header = "x-api-key"
		}
		got := r.Header.Get(header)
		if header == "authorization" {
			got = stripBearer(got)
		}
		if got != s.cfg.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("telemetry ingest upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		var record streamclient.TelemetryData
		if err := conn.ReadJSON(&record); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithContext(ctx).WithError(err).Warn("telemetry ingest connection dropped")
			}
			return
		}
		if err := s.store.AppendUsageEvent(ctx, toUsageEvent(record)); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("append telemetry event failed")
		}
	}
}

func stripBearer(v string) string {
	const prefix = "Bearer "
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return v
}

func toUsageEvent(r streamclient.TelemetryData) eventstore.UsageEvent {
	data := map[string]interface{}{
		"cpu_percent": r.ResourceUsage.CPUPercent,
		"mem_mb":      r.ResourceUsage.MemoryMB,
		"net_rx":      r.ResourceUsage.NetworkRxBytes,
		"net_tx":      r.ResourceUsage.NetworkTxBytes,
		"disk_read":   r.ResourceUsage.DiskReadBytes,
		"disk_write":  r.ResourceUsage.DiskWriteBytes,
	}
	if len(r.ResourceUsage.GPUUsage) > 0 {
		data["gpu_usage"] = r.ResourceUsage.GPUUsage
	}
	var userID domain.UserId
	var validatorID string
	for k := range r.CustomMetrics {
		userID, validatorID = extractMarkerIDs(k, userID, validatorID)
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return eventstore.UsageEvent{
		RentalID:    domain.RentalId(r.RentalID),
		UserID:      userID,
		ExecutorID:  r.ExecutorID,
		ValidatorID: validatorID,
		EventType:   eventstore.EventTelemetry,
		EventData:   data,
		Timestamp:   ts,
	}
}

const (
	userMarkerPrefix      = "has_user_id_"
	validatorMarkerPrefix = "has_validator_id_"
)

func extractMarkerIDs(key string, userID domain.UserId, validatorID string) (domain.UserId, string) {
	if len(key) > len(userMarkerPrefix) && key[:len(userMarkerPrefix)] == userMarkerPrefix {
		return domain.UserId(key[len(userMarkerPrefix):]), validatorID
	}
	if len(key) > len(validatorMarkerPrefix) && key[:len(validatorMarkerPrefix)] == validatorMarkerPrefix {
		return userID, key[len(validatorMarkerPrefix):]
	}
	return userID, validatorID
}
