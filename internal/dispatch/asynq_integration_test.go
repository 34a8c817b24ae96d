//go:build integration

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/helixir/paper-pipeline-service/internal/resilience"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestAsynqExecutor_EndToEnd(t *testing.T) {
	opt := asynq.RedisClientOpt{Addr: startRedis(t)}

	exec := NewAsynqExecutor(opt, AsynqConfig{PollInterval: 20 * time.Millisecond})
	d := New(Config{},
		WithExecutor(exec),
		WithRetrier(resilience.NewRetrier(nil, resilience.WithSleep(noSleep))),
	)
	defer d.Close()

	attempts := 0
	d.Register(TaskExtractEntities, func(_ context.Context, paperID string, _ map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, resilience.NewTransient(errors.New("rate limited"))
		}
		return map[string]interface{}{"paper_id": paperID}, nil
	})
	d.Register(TaskExtractRelationships, func(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
		return nil, resilience.NewPermanent(errors.New("bad input"))
	})

	srv := NewAsynqServer(opt, 2, zerolog.Nop())
	require.NoError(t, srv.Start(NewAsynqServeMux(d)))
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h, err := d.CreateTask(ctx, TaskExtractEntities, "paper-1", nil)
	require.NoError(t, err)
	result, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "paper-1", result["paper_id"])
	assert.Equal(t, 3, attempts)

	h, err = d.CreateTask(ctx, TaskExtractRelationships, "paper-1", nil)
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	require.Error(t, err)
	cat, _ := resilience.CategoryOf(err)
	assert.Equal(t, resilience.Permanent, cat)
}
