package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	kinds      []string
	published  []published
	declareErr error
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublishUsesRoutingKey(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	pub, err := NewWithChannel(ch, Config{Exchange: "mdimg", RoutingKey: "job.completed"})
	require.NoError(t, err)
	pub.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	require.Equal(t, []string{"mdimg"}, ch.declared)
	require.Equal(t, []string{amqp.ExchangeTopic}, ch.kinds)

	id, err := pub.Publish(context.Background(), "", map[string]int{"items": 3})
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "job.failed", "x")
	require.NoError(t, err)

	require.Len(t, ch.published, 2)
	first := ch.published[0]
	require.Equal(t, "mdimg", first.exchange)
	require.Equal(t, "job.completed", first.key)
	require.Equal(t, id, first.msg.MessageId)
	require.Equal(t, "application/json", first.msg.ContentType)
	require.Equal(t, amqp.Persistent, first.msg.DeliveryMode)
	var body map[string]int
	require.NoError(t, json.Unmarshal(first.msg.Body, &body))
	require.Equal(t, 3, body["items"])
	require.Equal(t, "job.failed", ch.published[1].key)

	require.NoError(t, pub.Close())
	require.True(t, ch.closed)
}

func TestNewWithChannelErrors(t *testing.T) {
	t.Parallel()

	_, err := NewWithChannel(nil, Config{Exchange: "x"})
	require.Error(t, err)
	_, err = NewWithChannel(&fakeChannel{}, Config{})
	require.Error(t, err)
	_, err = NewWithChannel(&fakeChannel{declareErr: errors.New("access refused")}, Config{Exchange: "x"})
	require.ErrorContains(t, err, "access refused")
}

func TestPublishFailure(t *testing.T) {
	t.Parallel()

	pub, err := NewWithChannel(&fakeChannel{publishErr: amqp.ErrClosed}, Config{Exchange: "mdimg"})
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "k", "x")
	require.ErrorIs(t, err, amqp.ErrClosed)
}

func TestDialRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := Dial(Config{Exchange: "mdimg"})
	require.Error(t, err)
}
