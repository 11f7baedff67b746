package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lodestar-ai/lodestar/runtime/agent/registry"
)

var (
	testRedisClient    *goredis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = goredis.NewClient(&goredis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getRegistry returns a registry over the shared Redis client with a flushed
// database. Skips the test when Docker is unavailable.
func getRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	opts.Redis = testRedisClient
	reg, err := New(opts)
	require.NoError(t, err)
	return reg
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is required")
}

func TestRegisterListDeregister(t *testing.T) {
	reg := getRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "inst-1", "run-a"))
	require.NoError(t, reg.Register(ctx, "inst-1", "run-b"))
	require.NoError(t, reg.Register(ctx, "inst-2", "run-c"))

	runs, err := reg.ListActive(ctx, "inst-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, runs)

	instances, err := reg.FindInstances(ctx, "run-c")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-2"}, instances)

	require.NoError(t, reg.Deregister(ctx, "inst-1", "run-a"))
	runs, err = reg.ListActive(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-b"}, runs)
}

func TestFindInstancesAcrossWorkers(t *testing.T) {
	reg := getRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "inst-1", "run-shared"))
	require.NoError(t, reg.Register(ctx, "inst-2", "run-shared"))

	instances, err := reg.FindInstances(ctx, "run-shared")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inst-1", "inst-2"}, instances)
}

func TestDeregisterMissingIsNoOp(t *testing.T) {
	reg := getRegistry(t, Options{})
	require.NoError(t, reg.Deregister(context.Background(), "inst-1", "never-registered"))
}

func TestRegisterSetsTTL(t *testing.T) {
	reg := getRegistry(t, Options{TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "inst-1", "run-a"))

	ttl, err := testRedisClient.TTL(ctx, registry.Key("inst-1", "run-a")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRefreshTTLExtendsDeadline(t *testing.T) {
	reg := getRegistry(t, Options{TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "inst-1", "run-a"))
	key := registry.Key("inst-1", "run-a")
	require.NoError(t, testRedisClient.Expire(ctx, key, 2*time.Second).Err())

	require.NoError(t, reg.RefreshTTL(ctx, "inst-1", "run-a"))

	ttl, err := testRedisClient.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 2*time.Second)
}

func TestRefreshTTLOnMissingKeyIsNoOp(t *testing.T) {
	reg := getRegistry(t, Options{})
	require.NoError(t, reg.RefreshTTL(context.Background(), "inst-1", "never-registered"))
}

func TestExpiredKeyDisappears(t *testing.T) {
	reg := getRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "inst-1", "run-a"))
	key := registry.Key("inst-1", "run-a")
	require.NoError(t, testRedisClient.Expire(ctx, key, 50*time.Millisecond).Err())
	time.Sleep(100 * time.Millisecond)

	runs, err := reg.ListActive(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}
