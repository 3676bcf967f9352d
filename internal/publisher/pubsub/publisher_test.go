package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "mdimg-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	client, srv := newFakeClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "mdimg-completions")
	require.NoError(t, err)

	pub := New(client, "mdimg-completions")
	defer func() { require.NoError(t, pub.Close()) }()

	id, err := pub.Publish(ctx, "", map[string]string{"job_id": "42", "status": "succeeded"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "42", decoded["job_id"])
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublishMissingTopicFails(t *testing.T) {
	t.Parallel()

	client, _ := newFakeClient(t)
	pub := New(client, "")
	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "does-not-exist", "x")
	require.Error(t, err)
	require.NoError(t, pub.Close())

	var nilPub *Publisher
	_, err = nilPub.Publish(context.Background(), "t", "x")
	require.Error(t, err)
}

func TestOpenRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "t")
	require.Error(t, err)
}
