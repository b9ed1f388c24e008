package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/types"
)

// Event kinds the portfolio consumer reacts to.
const (
	KindMinerAdded   = "miner.added"
	KindMinerRemoved = "miner.removed"
)

// minerEventPayload is the typed envelope body for miner lifecycle events.
type minerEventPayload struct {
	IP    string `json:"ip,omitempty"`
	Model string `json:"model,omitempty"`
}

// RegisterPortfolioHandlers wires the derived miner-count read model onto a
// runtime. The counts are rebuildable by replaying events.miner.
func RegisterPortfolioHandlers(r *Runtime) {
	r.On(KindMinerAdded, portfolioDelta(1))
	r.On(KindMinerRemoved, portfolioDelta(-1))
}

func portfolioDelta(delta int64) Handler {
	return func(ctx context.Context, tx storage.Tx, env *types.Envelope) error {
		var payload minerEventPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return types.Permanent(fmt.Errorf("decode %s payload: %w", env.Kind, err))
		}
		if err := tx.IncrementPortfolio(env.TenantID, delta, time.Now().UTC()); err != nil {
			return types.Transient(err)
		}
		return nil
	}
}
