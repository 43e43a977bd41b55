// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublish(t *testing.T) {
	mr := miniredis.RunT(t)

	pub, err := NewRedis(mr.Addr(), "gnirspipe.events")
	require.NoError(t, err)
	defer pub.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ctx := context.Background()
	ps := sub.Subscribe(ctx, "gnirspipe.events")
	defer ps.Close()
	_, err = ps.Receive(ctx) // wait for the subscription confirmation
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, Event{
		Type:  EventRunStarted,
		RunID: "2f9d9f4e",
	}))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := ps.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, EventRunStarted, ev.Type)
	assert.Equal(t, "2f9d9f4e", ev.RunID)
	assert.False(t, ev.Time.IsZero())
}

func TestNewRedisUnreachable(t *testing.T) {
	_, err := NewRedis("127.0.0.1:1", "gnirspipe.events")
	assert.Error(t, err)
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.Publish(context.Background(), Event{Type: EventSortDone}))
	assert.NoError(t, n.Close())
}
