package correlation

import (
	"context"
	"errors"
	"time"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
)

// ErrNotFound reports that no binding exists for a key. It is an expected
// outcome on the callback path (expired, already delivered, or never ours),
// not a failure.
var ErrNotFound = errors.New("binding not found")

// Store maps a provider-issued CheckoutRequestID to the originating request
// context. Put overwrites any existing binding for the key. Operations on
// distinct keys must not block each other; operations on the same key are
// serialized by the implementation. Callers must tolerate a binding
// disappearing between calls: the retention sweep runs independently of
// callback traffic.
type Store interface {
	Put(ctx context.Context, key string, b *payment.Binding) error
	Get(ctx context.Context, key string) (*payment.Binding, error)
	Delete(ctx context.Context, key string) error
	SweepExpired(ctx context.Context, maxAge time.Duration) ([]*payment.Binding, error)
}
