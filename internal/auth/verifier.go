package auth

import (
	"context"
	"errors"

	"github.com/amakom/BlueprintAI-sub001/pkg/state"
)

// ErrInvalidToken covers every verification failure the client can
// cause: malformed, expired, bad signature, missing subject. Callers
// treat all of them the same way, so one sentinel is enough.
var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier turns an opaque credential token into a verified identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (state.Identity, error)
}
