package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestingEnv wraps an Env with require-based helpers for tests.
type TestingEnv struct {
	*Env
	t *testing.T
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// StartTestEnv builds an in-memory Env, applies opts and starts it,
// failing the test immediately if startup fails.
func StartTestEnv(t *testing.T, opts ...EnvOption) *TestingEnv {
	e := NewEnv(
		WithSnapshotter(NewInMemorySnapshotter(nil)),
		WithStore(NewInMemoryStore()),
		WithEnvOpts(opts...),
	)
	require.NoError(t, e.Start())
	return &TestingEnv{t: t, Env: e}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

func (a *TestingEnvAssert) Append(
	ctx context.Context,
	expect Version,
	aggType string,
	aggID string,
	events ...any,
) {
	require.NoError(a.env.t, a.env.Append(ctx, expect, aggType, aggID, events...))
}
