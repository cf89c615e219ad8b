package relay

import (
	"encoding/json"
	"net/http"

	"github.com/nidhogg/alara-bridge/internal/bridge"
	"github.com/nidhogg/alara-bridge/internal/veridian"
	"go.uber.org/zap"
)

// PreviewResponse is returned by the preview handler.
type PreviewResponse struct {
	Enriched        bool              `json:"enriched"`
	VeridianContext *veridian.Context `json:"veridian_context"`
	Committed       bool              `json:"reinforcement_committed"`
}

// Preview is the interaction endpoint used when no upstream is configured.
// It echoes the assembled context, and commits the loop when the body sets
// "reinforcement_delivered": true.
func Preview(logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ReinforcementDelivered bool `json:"reinforcement_delivered"`
		}
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				logger.Debug("preview body not decoded", zap.Error(err))
			}
		}

		resp := PreviewResponse{}
		if e, ok := bridge.EnrichmentFrom(r.Context()); ok {
			resp.Enriched = true
			resp.VeridianContext = &e.Context
			if body.ReinforcementDelivered && e.Trigger != nil && e.Decision.Allowed {
				e.Commit()
				resp.Committed = true
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}
