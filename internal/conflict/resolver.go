package conflict

import (
	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/transport"
)

// Strategy decides what to do with a pending mutation the server rejected
// during replay.
type Strategy interface {
	Resolve(mutation model.PendingMutation, err error) model.ConflictResolution
}

// Resolver is the fixed status-keyed policy used for offline replay.
type Resolver struct{}

func NewResolver() Resolver {
	return Resolver{}
}

func (Resolver) Resolve(mutation model.PendingMutation, err error) model.ConflictResolution {
	return Resolve(mutation, err)
}

// Resolve depends only on the error class; the mutation is accepted so that
// alternative strategies can inspect it.
func Resolve(_ model.PendingMutation, err error) model.ConflictResolution {
	te := transport.Classify(err)
	if te == nil {
		return model.ResolutionFail
	}
	switch te.Kind {
	case transport.KindNotFound:
		return model.ResolutionSkipSilently
	case transport.KindConflict:
		return model.ResolutionApplyLocal
	case transport.KindServerError, transport.KindTimeout, transport.KindNetworkFailure:
		return model.ResolutionRetry
	}
	switch {
	case te.StatusCode == 404:
		return model.ResolutionSkipSilently
	case te.StatusCode == 409:
		return model.ResolutionApplyLocal
	case te.StatusCode >= 500:
		return model.ResolutionRetry
	default:
		return model.ResolutionFail
	}
}
