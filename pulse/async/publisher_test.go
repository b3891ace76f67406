package async

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPublisher_CoalescesWakeups(t *testing.T) {
	p := NewLocalPublisher()
	job := &Job{ID: "j"}

	require.NoError(t, p.Publish(context.Background(), job))
	require.NoError(t, p.Publish(context.Background(), job))

	select {
	case <-p.Wake():
	default:
		t.Fatal("expected a wakeup")
	}
	select {
	case <-p.Wake():
		t.Fatal("wakeups should coalesce")
	default:
	}
}

func TestRedisPublisher_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	p := NewRedisPublisher(client, "vigil:jobs")
	err := p.Publish(context.Background(), &Job{ID: "job-1", Type: "proxy"})
	assert.ErrorContains(t, err, "failed to publish job job-1")
}
