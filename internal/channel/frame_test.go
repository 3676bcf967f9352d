package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

func TestDecodeProgressFrame(t *testing.T) {
	t.Parallel()

	f, err := decodeFrame([]byte(`{"type":"progress","current":3,"total":10}`))
	require.NoError(t, err)
	require.Equal(t, FrameProgress, f.kind)
	require.Equal(t, ProgressEvent{Current: 3, Total: 10}, f.progress)

	f, err = decodeFrame([]byte(`{"type":"progress","current":10,"total":10,"task_id":"job-7"}`))
	require.NoError(t, err)
	require.True(t, f.progress.Terminal)
	require.Equal(t, "job-7", f.taskID)
	require.Equal(t, "job-7", f.progress.JobID)
}

func TestDecodeResultFrame(t *testing.T) {
	t.Parallel()

	f, err := decodeFrame([]byte(`{"type":"result","result":{"filename":"a.png","status":"error","error":"404"}}`))
	require.NoError(t, err)
	require.Equal(t, FrameResult, f.kind)
	require.Equal(t, convert.ItemResult{Filename: "a.png", Status: convert.ItemError, Error: "404"}, f.result.Result)
}

func TestDecodeNumericTaskID(t *testing.T) {
	t.Parallel()

	f, err := decodeFrame([]byte(`{"type":"progress","current":1,"total":2,"task_id":42}`))
	require.NoError(t, err)
	require.Equal(t, "42", f.taskID)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":        `{"type":`,
		"missing type":    `{"current":1,"total":2}`,
		"missing total":   `{"type":"progress","current":1}`,
		"current > total": `{"type":"progress","current":5,"total":2}`,
		"negative":        `{"type":"progress","current":-1,"total":2}`,
		"missing result":  `{"type":"result"}`,
		"bad status":      `{"type":"result","result":{"filename":"a","status":"maybe"}}`,
		"bad task id":     `{"type":"progress","current":1,"total":2,"task_id":{}}`,
	}
	for name, raw := range cases {
		_, err := decodeFrame([]byte(raw))
		require.ErrorIs(t, err, ErrMalformedFrame, name)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	t.Parallel()

	f, err := decodeFrame([]byte(`{"type":"heartbeat"}`))
	require.ErrorIs(t, err, ErrUnknownFrameType)
	require.Equal(t, FrameType("heartbeat"), f.kind)
}

func TestEncodeBind(t *testing.T) {
	t.Parallel()

	data, err := EncodeBind("job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"task_id":"job-1"}`, string(data))
}
