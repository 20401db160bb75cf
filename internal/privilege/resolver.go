// Package privilege derives the admin flag from a session. Every ambiguous
// outcome resolves to false.
package privilege

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
)

// Resolver performs the authorization lookup for a session.
type Resolver struct {
	authz   backend.Authorizer
	logger  *zap.Logger
	timeout time.Duration
}

// Option configures Resolver behavior.
type Option func(*Resolver)

// WithTimeout bounds each lookup. Zero leaves timeouts to the transport.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used for swallowed lookup failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Resolver backed by authz.
func New(authz backend.Authorizer, opts ...Option) *Resolver {
	r := &Resolver{authz: authz, logger: obs.Logger()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("privilege")
	return r
}

// Resolve reports whether sess belongs to an admin. A nil session answers false
// without a lookup; lookup errors are logged and answer false.
func (r *Resolver) Resolve(ctx context.Context, sess *backend.Session) bool {
	if sess == nil || sess.UserID == "" {
		obs.ObservePrivilegeCheck("anonymous")
		return false
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	admin, err := r.authz.IsAdmin(ctx, sess.UserID)
	if err != nil {
		lookupErr := &backend.AuthorizationLookupError{UserID: sess.UserID, Err: err}
		r.logger.Warn("authorization lookup failed; treating as not admin",
			zap.String("user_id", sess.UserID), zap.Error(lookupErr))
		obs.ObservePrivilegeCheck("error")
		return false
	}
	if !admin {
		obs.ObservePrivilegeCheck("denied")
		return false
	}
	obs.ObservePrivilegeCheck("admin")
	return true
}
