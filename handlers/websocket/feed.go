// Package websocket pushes snapshot notifications to browsers over socket.io
// so open pages refresh when the item collection changes.
package websocket

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/google/uuid"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

// subscriptions holds the snapshot subscription of every connected socket.
type subscriptions struct {
	mu       sync.Mutex
	bySocket map[socketio.SocketId]func()
}

func newSubscriptions() *subscriptions {
	return &subscriptions{bySocket: make(map[socketio.SocketId]func())}
}

// replace installs cancel for id, cancelling the one it had before.
func (s *subscriptions) replace(id socketio.SocketId, cancel func()) {
	s.mu.Lock()
	prev := s.bySocket[id]
	s.bySocket[id] = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (s *subscriptions) drop(id socketio.SocketId) {
	s.mu.Lock()
	cancel := s.bySocket[id]
	delete(s.bySocket, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bySocket)
}

func snapshotPayload(items []core.Item, version uint64) map[string]any {
	return map[string]any{
		"count":   len(items),
		"version": version,
	}
}

// joinFeed calls emit with a snapshot notification every time the snapshot
// of the client instance changes. The instance is started if the page was
// served detached, and is held open until cancel is called.
func joinFeed(registry *views.Registry, clientID string, emit func(map[string]any)) (cancel func(), err error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if _, err := uuid.Parse(clientID); err != nil {
		return nil, fmt.Errorf("invalid client id %s", clientID)
	}
	ctrl, release, err := registry.Acquire(clientID)
	if err != nil {
		return nil, fmt.Errorf("join client %s: %w", clientID, err)
	}
	var version atomic.Uint64
	unsubscribe := ctrl.Snapshot().Subscribe(func(items []core.Item) {
		emit(snapshotPayload(items, version.Add(1)))
	})
	return func() {
		unsubscribe()
		release()
	}, nil
}

func SetupSocketIO(registry *views.Registry) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(1000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)
	subs := newSubscriptions()

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		me := socket.Id()

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("join-feed", func(datas ...any) {
			ack, args := extractAck(datas)
			clientID := ""
			if len(args) > 0 {
				clientID, _ = args[0].(string)
			}

			cancel, err := joinFeed(registry, clientID, func(payload map[string]any) {
				_ = socket.Emit("items-snapshot", payload)
			})
			if err != nil {
				respondWithAck(socket, ack, "join-feed-ack", map[string]any{
					"status": "error",
					"error":  err.Error(),
				}, err)
				return
			}
			subs.replace(me, cancel)
			utils.Log().Printf("Socket %v follows client %v\n", me, clientID)
			respondWithAck(socket, ack, "join-feed-ack", map[string]any{"status": "ok"}, nil)
		})

		socket.On("disconnect", func(datas ...any) {
			subs.drop(me)
			socket.RemoveAllListeners("")
			socket.Disconnect(true)
		})
	})

	return srv
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts a client acknowledgement callback of any signature.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}
	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		for i := range args {
			var v any
			switch {
			case typ.NumIn() == 1 && err == nil:
				v = payload
			case i == 0:
				v = err
			case i == 1:
				v = payload
			}
			args[i] = coerceValue(v, typ.In(i))
		}
		value.Call(args)
	}
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}
	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}
	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
