package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/backend/memory"
	"github.com/Ernest01982/tuktukadmin/internal/gate"
	"github.com/Ernest01982/tuktukadmin/internal/privilege"
	"github.com/Ernest01982/tuktukadmin/internal/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingResolver struct {
	inner PrivilegeResolver

	mu    sync.Mutex
	seen  []string
	gates map[string]chan struct{}
}

func (r *recordingResolver) Resolve(ctx context.Context, sess *backend.Session) bool {
	id := sess.Identity()
	r.mu.Lock()
	r.seen = append(r.seen, id)
	hold := r.gates[id]
	r.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}
	return r.inner.Resolve(ctx, sess)
}

func (r *recordingResolver) hold(id string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gates == nil {
		r.gates = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	r.gates[id] = ch
	return ch
}

func (r *recordingResolver) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type fixture struct {
	backend  *memory.Backend
	store    *session.Store
	resolver *recordingResolver
	ctrl     *Controller
	adminID  string
	staffID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.New()
	adminID, err := b.AddUser("admin@tuktuk.test", "pw-admin", true)
	require.NoError(t, err)
	staffID, err := b.AddUser("staff@tuktuk.test", "pw-staff", false)
	require.NoError(t, err)

	store := session.NewStore(b, zap.NewNop())
	res := &recordingResolver{inner: privilege.New(b, privilege.WithLogger(zap.NewNop()))}
	ctrl := New(b, store, res, zap.NewNop())
	t.Cleanup(ctrl.Close)
	return &fixture{backend: b, store: store, resolver: res, ctrl: ctrl, adminID: adminID, staffID: staffID}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.ctrl.WaitReady(ctx))
}

func TestStartWithoutSessionIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.ctrl.State().Loading)
	require.Equal(t, gate.Loading, f.ctrl.State().Decision())

	f.start(t)

	st := f.ctrl.State()
	require.False(t, st.Loading)
	require.Nil(t, st.Session)
	require.Equal(t, gate.Unauthenticated, st.Decision())
	require.Equal(t, []string{""}, f.resolver.calls())
}

func TestSignInSignOutScenario(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.Equal(t, gate.Unauthenticated, f.ctrl.State().Decision())

	require.NoError(t, f.ctrl.SignIn(context.Background(), "admin@tuktuk.test", "pw-admin"))
	require.Eventually(t, func() bool {
		return f.ctrl.State().Decision() == gate.Authorized
	}, waitFor, tick)

	release := make(chan struct{})
	f.backend.SetSignOutHook(func(ctx context.Context) error {
		<-release
		return nil
	})
	f.ctrl.SignOut(context.Background())

	// Cleared before the backend call returns.
	st := f.ctrl.State()
	require.Nil(t, st.Session)
	require.False(t, st.IsAdmin)
	require.Equal(t, gate.Unauthenticated, st.Decision())

	close(release)
	f.store.Wait()
	require.Equal(t, gate.Unauthenticated, f.ctrl.State().Decision())
}

func TestRecomputeOncePerIdentityChange(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.ctrl.SignIn(context.Background(), "admin@tuktuk.test", "pw-admin"))
	require.Eventually(t, func() bool { return len(f.resolver.calls()) == 2 }, waitFor, tick)

	for i := 0; i < 3; i++ {
		_, err := f.backend.RefreshSession()
		require.NoError(t, err)
	}
	require.NoError(t, f.backend.SignOut(context.Background()))
	require.Eventually(t, func() bool { return len(f.resolver.calls()) >= 3 }, waitFor, tick)

	// Refreshes keep the identity, so they never reach the resolver.
	require.Equal(t, []string{"", f.adminID, ""}, f.resolver.calls())
	require.False(t, f.ctrl.State().Loading)
}

func TestLoadingClearsOnlyAfterInitialAdminCheck(t *testing.T) {
	f := newFixture(t)
	_, err := f.backend.RestoreSession("admin@tuktuk.test")
	require.NoError(t, err)
	release := f.resolver.hold(f.adminID)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	states := f.ctrl.Watch(watchCtx)

	require.NoError(t, f.ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return len(f.resolver.calls()) == 1 }, waitFor, tick)

	st := f.ctrl.State()
	require.True(t, st.Loading)
	require.NotNil(t, st.Session)
	require.Equal(t, gate.Loading, st.Decision())
	select {
	case <-f.ctrl.Ready():
		t.Fatal("ready before admin check completed")
	default:
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.ctrl.WaitReady(ctx))
	require.Equal(t, gate.Authorized, f.ctrl.State().Decision())

	_, err = f.backend.RefreshSession()
	require.NoError(t, err)
	require.NoError(t, f.backend.SignOut(context.Background()))
	require.Eventually(t, func() bool { return f.ctrl.State().Session == nil }, waitFor, tick)
	stopWatch()

	flips := 0
	sawReady := false
	for s := range states {
		if !s.Loading {
			if !sawReady {
				flips++
			}
			sawReady = true
			continue
		}
		require.False(t, sawReady, "loading reverted to true")
	}
	require.Equal(t, 1, flips)
}

func TestAdminLookupFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.backend.SetAdminLookup(func(ctx context.Context, userID string) (bool, error) {
		return false, errors.New("permission denied for function is_admin")
	})
	f.start(t)

	require.NoError(t, f.ctrl.SignIn(context.Background(), "admin@tuktuk.test", "pw-admin"))
	require.Eventually(t, func() bool { return len(f.resolver.calls()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return f.ctrl.State().Decision() == gate.Unauthorized
	}, waitFor, tick)
}

func TestSupersededAdminCheckIsDropped(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	release := f.resolver.hold(f.adminID)

	require.NoError(t, f.ctrl.SignIn(context.Background(), "admin@tuktuk.test", "pw-admin"))
	require.Eventually(t, func() bool { return len(f.resolver.calls()) == 2 }, waitFor, tick)

	require.NoError(t, f.ctrl.SignIn(context.Background(), "staff@tuktuk.test", "pw-staff"))
	require.Eventually(t, func() bool { return len(f.resolver.calls()) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return f.ctrl.State().Decision() == gate.Unauthorized
	}, waitFor, tick)

	close(release)
	require.Never(t, func() bool { return f.ctrl.State().IsAdmin }, 100*time.Millisecond, tick)
	require.Equal(t, f.staffID, f.ctrl.State().Session.UserID)
}

func TestInitialLoadFailureStartsSignedOut(t *testing.T) {
	f := newFixture(t)
	f.backend.SetGetSessionHook(func(ctx context.Context) error {
		return errors.New("network unreachable")
	})
	f.start(t)
	require.Equal(t, gate.Unauthenticated, f.ctrl.State().Decision())
}

func TestSubscribedBeforeInitialLoad(t *testing.T) {
	f := newFixture(t)
	handlers := make(chan int, 1)
	f.backend.SetGetSessionHook(func(ctx context.Context) error {
		select {
		case handlers <- f.backend.HandlerCount():
		default:
		}
		return nil
	})
	f.start(t)
	require.Equal(t, 1, <-handlers)
}

func TestSignInRejectedReturnsAuthError(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	err := f.ctrl.SignIn(context.Background(), "admin@tuktuk.test", "wrong")
	var authErr *backend.AuthError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, err, backend.ErrInvalidCredentials)
	require.Nil(t, f.ctrl.State().Session)
}

func TestCloseReleasesSubscription(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.Equal(t, 1, f.backend.HandlerCount())

	f.ctrl.Close()
	require.Equal(t, 0, f.backend.HandlerCount())
	require.ErrorIs(t, f.ctrl.Start(context.Background()), ErrClosed)

	// Remounting gets its own single subscription.
	store := session.NewStore(f.backend, zap.NewNop())
	next := New(f.backend, store, f.resolver, zap.NewNop())
	require.NoError(t, next.Start(context.Background()))
	require.Equal(t, 1, f.backend.HandlerCount())
	next.Close()
	require.Equal(t, 0, f.backend.HandlerCount())
}
