package httpapi

import (
	"context"
	"sync"

	"github.com/Ernest01982/tuktukadmin/internal/authflow"
	"github.com/Ernest01982/tuktukadmin/internal/stream"
)

// fakeAuth is a hand-driven AuthState.
type fakeAuth struct {
	mu    sync.Mutex
	state authflow.State
	ready chan struct{}
	once  sync.Once
	hub   *stream.Hub[authflow.State]
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		state: authflow.State{Loading: true},
		ready: make(chan struct{}),
		hub:   stream.New[authflow.State](0),
	}
}

func (f *fakeAuth) markReady() {
	f.once.Do(func() { close(f.ready) })
}

func (f *fakeAuth) set(st authflow.State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
	if !st.Loading {
		f.markReady()
	}
	f.hub.Publish(st)
}

func (f *fakeAuth) State() authflow.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAuth) Ready() <-chan struct{} { return f.ready }

func (f *fakeAuth) Watch(ctx context.Context) <-chan authflow.State { return f.hub.Subscribe(ctx) }

func (f *fakeAuth) SignIn(context.Context, string, string) error { return nil }

func (f *fakeAuth) SignOut(context.Context) { f.set(authflow.State{}) }
