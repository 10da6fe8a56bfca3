package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b_job", func(context.Context, Connections) (Job, error) { return &fakeJob{tier: 2}, nil })
	r.Register("a_job", func(context.Context, Connections) (Job, error) { return &fakeJob{tier: 1}, nil })

	assert.Equal(t, []string{"a_job", "b_job"}, r.Names())
	assert.True(t, r.Has("a_job"))
	assert.False(t, r.Has("c_job"))

	job, err := r.Build(context.Background(), "b_job", Connections{})
	require.NoError(t, err)
	assert.Equal(t, 2, job.Tier())

	_, err = r.Build(context.Background(), "c_job", Connections{})
	require.ErrorIs(t, err, errspkg.ErrUnknownJob)
}

func TestRegistryBuilderFailures(t *testing.T) {
	r := NewRegistry()
	errBoom := errors.New("boom")
	r.Register("failing", func(context.Context, Connections) (Job, error) { return nil, errBoom })
	r.Register("nil", func(context.Context, Connections) (Job, error) { return nil, nil })

	_, err := r.Build(context.Background(), "failing", Connections{})
	require.ErrorIs(t, err, errBoom)
	_, err = r.Build(context.Background(), "nil", Connections{})
	require.ErrorIs(t, err, errspkg.ErrJobRequired)
}

func TestOpenConnections(t *testing.T) {
	ctx := context.Background()

	conns, err := OpenConnections(ctx, "sqlite://:memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conns.Close() })
	assert.NotNil(t, conns.Source)
	assert.Nil(t, conns.Sink)

	_, err = OpenConnections(ctx, "", "oracle://db")
	var storageErr *errspkg.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "open sink", storageErr.Op)

	_, err = OpenConnections(ctx, "no-scheme", "")
	require.Error(t, err)
}
