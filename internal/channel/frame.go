package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

// FrameType is the inbound frame discriminator.
type FrameType string

// Known inbound frame types.
const (
	FrameProgress FrameType = "progress"
	FrameResult   FrameType = "result"
)

var (
	// ErrMalformedFrame marks frames that are not valid JSON or miss required fields.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrameType marks well-formed frames with an unrecognised type.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// ProgressEvent reports job progress. Terminal is true exactly when
// Current == Total.
type ProgressEvent struct {
	JobID    string
	Current  int
	Total    int
	Terminal bool
}

// ResultEvent reports the outcome of one item.
type ResultEvent struct {
	JobID  string
	Result convert.ItemResult
}

type frame struct {
	kind     FrameType
	taskID   string
	progress ProgressEvent
	result   ResultEvent
}

// taskID accepts both string and numeric identifiers.
type taskID string

func (t *taskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = taskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task_id must be a string or number: %w", err)
	}
	*t = taskID(n.String())
	return nil
}

type wireFrame struct {
	Type    FrameType   `json:"type"`
	TaskID  taskID      `json:"task_id"`
	Current *int        `json:"current"`
	Total   *int        `json:"total"`
	Result  *wireResult `json:"result"`
}

type wireResult struct {
	Filename string             `json:"filename"`
	Status   convert.ItemStatus `json:"status"`
	Error    string             `json:"error"`
}

func decodeFrame(data []byte) (frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f := frame{kind: w.Type, taskID: string(w.TaskID)}
	switch w.Type {
	case FrameProgress:
		if w.Current == nil || w.Total == nil {
			return frame{}, fmt.Errorf("%w: progress requires current and total", ErrMalformedFrame)
		}
		cur, total := *w.Current, *w.Total
		if cur < 0 || total < 0 || cur > total {
			return frame{}, fmt.Errorf("%w: progress %d/%d out of range", ErrMalformedFrame, cur, total)
		}
		f.progress = ProgressEvent{
			JobID:    f.taskID,
			Current:  cur,
			Total:    total,
			Terminal: cur == total,
		}
	case FrameResult:
		if w.Result == nil {
			return frame{}, fmt.Errorf("%w: result payload missing", ErrMalformedFrame)
		}
		if !w.Result.Status.Valid() {
			return frame{}, fmt.Errorf("%w: result status %q", ErrMalformedFrame, w.Result.Status)
		}
		f.result = ResultEvent{
			JobID: f.taskID,
			Result: convert.ItemResult{
				Filename: w.Result.Filename,
				Status:   w.Result.Status,
				Error:    w.Result.Error,
			},
		}
	case "":
		return frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return f, fmt.Errorf("%w: %s", ErrUnknownFrameType, strconv.Quote(string(w.Type)))
	}
	return f, nil
}

type bindFrame struct {
	TaskID string `json:"task_id"`
}

// EncodeBind builds the outbound frame that associates a job with this session.
func EncodeBind(jobID string) ([]byte, error) {
	data, err := json.Marshal(bindFrame{TaskID: jobID})
	if err != nil {
		return nil, fmt.Errorf("encode bind frame: %w", err)
	}
	return data, nil
}
