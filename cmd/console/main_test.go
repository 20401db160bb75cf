package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/config"
)

func TestMigrateRejectsUnknownAction(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--env-file", "", "migrate", "sideways"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("TUKTUK_PG_DSN", "")
	root := newRootCmd()
	root.SetArgs([]string{"--env-file", "", "migrate", "status"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "missing DSN")
}

func TestOpenMemoryBackendSeedsDevAdmin(t *testing.T) {
	cfg := config.Config{Backend: config.BackendMemory}

	rt, err := openBackend(context.Background(), cfg, serveOptions{devAdmin: "ops@tuktuk.test:pw-ops"}, zap.NewNop())
	require.NoError(t, err)
	sess, err := rt.client.SignInWithPassword(context.Background(), "ops@tuktuk.test", "pw-ops")
	require.NoError(t, err)
	admin, err := rt.client.IsAdmin(context.Background(), sess.UserID)
	require.NoError(t, err)
	require.True(t, admin)

	_, err = openBackend(context.Background(), cfg, serveOptions{devAdmin: "no-colon"}, zap.NewNop())
	require.Error(t, err)
}

func TestOpenBackendRejectsUnknownKind(t *testing.T) {
	_, err := openBackend(context.Background(), config.Config{Backend: "sqlite"}, serveOptions{}, zap.NewNop())
	require.Error(t, err)
}
