// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tapestryhq/tapestry/event"
)

const testEventType event.EventType = "test.event"

func TestSubscribePublish(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()

	_, ch := bus.Subscribe(testEventType)
	bus.Publish(testEventType, event.NewEvent(testEventType, "payload"))

	select {
	case evt := <-ch:
		require.Equal(t, testEventType, evt.Type)
		require.Equal(t, "payload", evt.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFunc(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()

	var mu sync.Mutex
	var received []any
	done := make(chan struct{})
	bus.SubscribeFunc(testEventType, func(evt event.Event) {
		mu.Lock()
		received = append(received, evt.Data)
		mu.Unlock()
		if len(received) == 2 {
			close(done)
		}
	})

	bus.Publish(testEventType, event.NewEvent(testEventType, 1))
	bus.Publish(testEventType, event.NewEvent(testEventType, 2))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []any{1, 2}, received)
}

func TestUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()

	subId, ch := bus.Subscribe(testEventType)
	bus.Unsubscribe(testEventType, subId)

	// Channel must be closed so consumers exit
	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not block or panic
	bus.Publish(testEventType, event.NewEvent(testEventType, nil))
}

func TestPublishToTypeWithNoSubscribers(t *testing.T) {
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	bus.Publish(testEventType, event.NewEvent(testEventType, nil))
}

func TestStopClosesSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := event.NewEventBus(nil, nil)
	_, ch := bus.Subscribe(testEventType)
	bus.Stop()
	_, ok := <-ch
	require.False(t, ok)
	// Stop is idempotent
	bus.Stop()
	// Publish after stop is a no-op
	bus.Publish(testEventType, event.NewEvent(testEventType, nil))
}
