package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"markhub/internal/core/apperror"
	appctx "markhub/internal/core/context"
	"markhub/internal/core/id"
	"markhub/internal/domain/saga"
	"markhub/internal/infrastructure/storage/postgres"
	"markhub/pkg/compress"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func newCodec(t *testing.T, threshold int) *compress.Codec {
	t.Helper()
	c, err := compress.New(threshold)
	require.NoError(t, err)
	return c
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []saga.Event
	actors []string
	traces []string
	err    error
	onCall func()
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, event saga.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.actors = append(d.actors, appctx.GetActorID(ctx))
	if tr := appctx.GetTrace(ctx); tr != nil {
		d.traces = append(d.traces, tr.TraceID)
	}
	d.mu.Unlock()
	if d.onCall != nil {
		d.onCall()
	}
	return d.err
}

func TestPublisher_SendsOutboxMessage(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	topic, err := client.CreateTopic(ctx, "marking-codes")
	require.NoError(t, err)

	pub, err := NewPublisher(topic)
	require.NoError(t, err)
	defer pub.Stop()

	msg := &postgres.OutboxMessage{
		ID:          id.New(),
		AggregateID: id.New(),
		EventType:   postgres.EventTypeStatusChanged,
		Payload:     []byte(`{"to":"process"}`),
		Encoding:    compress.EncodingZstd,
		Attributes:  map[string]string{appctx.AttrTraceID: "trace-1", "status": "process"},
	}
	require.NoError(t, pub.Send(ctx, msg))

	messages := srv.Messages()
	require.Len(t, messages, 1)
	got := messages[0]
	assert.Equal(t, msg.Payload, got.Data)
	assert.Equal(t, postgres.EventTypeStatusChanged, got.Attributes[AttrKind])
	assert.Equal(t, msg.ID.String(), got.Attributes[AttrMessageID])
	assert.Equal(t, msg.AggregateID.String(), got.Attributes[AttrAggregateID])
	assert.Equal(t, "zstd", got.Attributes[AttrContentEncoding])
	assert.Equal(t, "trace-1", got.Attributes[appctx.AttrTraceID])
	assert.Equal(t, "process", got.Attributes["status"])
}

func TestPublisher_OmitsPlainEncoding(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	topic, err := client.CreateTopic(ctx, "plain")
	require.NoError(t, err)
	pub, err := NewPublisher(topic)
	require.NoError(t, err)
	defer pub.Stop()

	require.NoError(t, pub.Send(ctx, &postgres.OutboxMessage{
		ID: id.New(), AggregateID: id.New(), EventType: "x", Payload: []byte("{}"),
	}))
	messages := srv.Messages()
	require.Len(t, messages, 1)
	_, ok := messages[0].Attributes[AttrContentEncoding]
	assert.False(t, ok)
}

func TestNewPublisher_RequiresTopic(t *testing.T) {
	_, err := NewPublisher(nil)
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	orderID := id.New()
	data, err := json.Marshal(saga.OrderLifecycleEvent{OrderID: orderID, EventID: id.New(), NewStatus: saga.OrderStatusCompleted})
	require.NoError(t, err)

	event, err := Decode(string(saga.KindOrderLifecycle), data)
	require.NoError(t, err)
	e, ok := event.(saga.OrderLifecycleEvent)
	require.True(t, ok)
	assert.Equal(t, orderID, e.OrderID)
	assert.Equal(t, saga.OrderStatusCompleted, e.NewStatus)

	_, err = Decode("nope", data)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode(string(saga.KindReissueRequested), []byte("{"))
	assert.Error(t, err)
}

func TestSubscriber_HandleAckPolicy(t *testing.T) {
	client, _ := newTestClient(t)
	sub := client.Subscription("unused")
	movement := saga.StockMovementLifecycleEvent{StockMovementID: id.New(), EventID: id.New()}
	data, err := json.Marshal(movement)
	require.NoError(t, err)
	attrs := map[string]string{AttrKind: string(saga.KindStockMovementLifecycle), appctx.AttrTraceID: "trace-9"}

	tests := []struct {
		name    string
		data    []byte
		attrs   map[string]string
		err     error
		wantAck bool
		calls   int
	}{
		{name: "success", data: data, attrs: attrs, wantAck: true, calls: 1},
		{name: "retryable", data: data, attrs: attrs, err: apperror.NewConcurrentModification("marking_code", "x"), wantAck: false, calls: 1},
		{name: "unknown error retries", data: data, attrs: attrs, err: errors.New("conn reset"), wantAck: false, calls: 1},
		{name: "permanent", data: data, attrs: attrs, err: apperror.NewValidation("bad"), wantAck: true, calls: 1},
		{name: "malformed", data: []byte("{"), attrs: attrs, wantAck: true, calls: 0},
		{name: "unknown kind", data: data, attrs: map[string]string{AttrKind: "other"}, wantAck: true, calls: 0},
		{name: "bad encoding", data: data, attrs: map[string]string{AttrKind: string(saga.KindStockMovementLifecycle), AttrContentEncoding: "zstd"}, wantAck: true, calls: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{err: tt.err}
			s, err := NewSubscriber(sub, d, newCodec(t, 0), "worker")
			require.NoError(t, err)

			assert.Equal(t, tt.wantAck, s.Handle(context.Background(), tt.data, tt.attrs))
			require.Len(t, d.events, tt.calls)
			if tt.calls > 0 {
				assert.Equal(t, "system:worker", d.actors[0])
				assert.Equal(t, "trace-9", d.traces[0])
				assert.Equal(t, movement, d.events[0])
			}
		})
	}
}

func TestSubscriber_HandleCompressedPayload(t *testing.T) {
	client, _ := newTestClient(t)
	codec := newCodec(t, 16)
	event := saga.ReissueRequested{OrderID: id.New(), RequestedBy: strings.Repeat("operator", 8)}
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	data, enc := codec.Encode(raw)
	require.Equal(t, compress.EncodingZstd, enc)

	d := &recordingDispatcher{}
	s, err := NewSubscriber(client.Subscription("unused"), d, codec, "worker")
	require.NoError(t, err)

	ack := s.Handle(context.Background(), data, map[string]string{
		AttrKind:            string(saga.KindReissueRequested),
		AttrContentEncoding: string(enc),
	})
	assert.True(t, ack)
	require.Len(t, d.events, 1)
	assert.Equal(t, event, d.events[0])
}

func TestSubscriber_RunDispatchesPublishedEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, _ := newTestClient(t)
	topic, err := client.CreateTopic(ctx, "orders")
	require.NoError(t, err)
	defer topic.Stop()
	sub, err := client.CreateSubscription(ctx, "orders-saga", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	event := saga.OrderLifecycleEvent{OrderID: id.New(), EventID: id.New(), NewStatus: saga.OrderStatusCanceled}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	_, err = topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{AttrKind: string(saga.KindOrderLifecycle)},
	}).Get(ctx)
	require.NoError(t, err)

	d := &recordingDispatcher{onCall: cancel}
	s, err := NewSubscriber(sub, d, newCodec(t, 0), "worker")
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.events)
	assert.Equal(t, event, d.events[0])
}

func TestNewSubscriber_Validation(t *testing.T) {
	client, _ := newTestClient(t)
	sub := client.Subscription("x")
	codec := newCodec(t, 0)

	_, err := NewSubscriber(nil, &recordingDispatcher{}, codec, "w")
	assert.Error(t, err)
	_, err = NewSubscriber(sub, nil, codec, "w")
	assert.Error(t, err)
	_, err = NewSubscriber(sub, &recordingDispatcher{}, nil, "w")
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := NewClient(context.Background(), "test-project", srv.Addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CreateTopic(context.Background(), "t")
	require.NoError(t, err)

	_, err = NewClient(context.Background(), "", srv.Addr)
	assert.Error(t, err)
}
