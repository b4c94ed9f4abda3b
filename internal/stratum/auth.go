package stratum

import (
	"context"

	"go.uber.org/zap"

	"github.com/velora-pool/coordinator/internal/store"
	"github.com/velora-pool/coordinator/internal/validation"
)

// MinerRegistrar is the Store subset StoreAuthorizer needs.
type MinerRegistrar interface {
	UpsertMiner(ctx context.Context, address, worker string) (minerID string, err error)
}

// StoreAuthorizer implements Authorizer against a persisted miner table: it
// splits "address[.worker]", rejects malformed addresses, and upserts the
// pair so the dashboard and reward split can key off a stable minerID.
type StoreAuthorizer struct {
	store store.Store
	log   *zap.Logger
}

// NewStoreAuthorizer constructs a StoreAuthorizer.
func NewStoreAuthorizer(st store.Store, log *zap.Logger) *StoreAuthorizer {
	return &StoreAuthorizer{store: st, log: log}
}

// Authorize parses login into address/worker, validates the address, and
// upserts the pair. Password is unused: authorization carries no credential
// beyond the address (any password is accepted, matching most public pool
// protocols).
func (a *StoreAuthorizer) Authorize(ctx context.Context, login, pass string) (string, bool) {
	address, worker := validation.ParseLogin(login)
	if worker == "" {
		worker = "default"
	}

	if err := validation.ValidatePoolAddress(address); err != nil {
		if a.log != nil {
			a.log.Debug("rejected authorize: bad address", zap.String("login", login), zap.Error(err))
		}
		return "", false
	}

	minerID, err := a.store.UpsertMiner(ctx, address, worker)
	if err != nil {
		if a.log != nil {
			a.log.Warn("failed to upsert miner", zap.Error(err), zap.String("address", address))
		}
		return "", false
	}
	return minerID, true
}
