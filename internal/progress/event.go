package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobSubmitted Stage = "JOB_SUBMITTED"
	StageJobProgress  Stage = "JOB_PROGRESS"
	StageItemResult   Stage = "ITEM_RESULT"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageChannelState Stage = "CHANNEL_STATE"
)

// Terminal reports whether s ends a run.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError
}

// Event captures a single milestone of one conversion run.
type Event struct {
	// RunID is the client-side run identifier in 16-byte UUID form.
	RunID [16]byte
	// TaskID is the backend job identifier, when the backend assigned one.
	TaskID string
	// ClientID is the progress channel session the run is bound to.
	ClientID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Kind and Source describe the submission; set on JOB_SUBMITTED.
	Kind   convert.JobKind
	Source string
	// Current and Total carry JOB_PROGRESS counters.
	Current int
	Total   int
	// Filename and ItemStatus carry ITEM_RESULT outcomes.
	Filename   string
	ItemStatus convert.ItemStatus
	// State is the channel state entered, for CHANNEL_STATE.
	State string
	// RetryCount is the channel retry counter at the time of the event.
	RetryCount int
	// Counters summarises item outcomes on JOB_DONE and JOB_ERROR.
	Counters    convert.JobCounters
	DownloadURL string
	ArtifactURI string
	// Dur is the run's wall time for terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobSubmitted:
		if e.Kind == "" {
			return errors.New("job submitted requires kind")
		}
	case StageJobProgress:
		if e.Current < 0 || e.Total < 0 || e.Current > e.Total {
			return fmt.Errorf("invalid progress %d/%d", e.Current, e.Total)
		}
	case StageItemResult:
		if !e.ItemStatus.Valid() {
			return fmt.Errorf("invalid item status %q", e.ItemStatus)
		}
	case StageChannelState:
		if e.State == "" {
			return errors.New("channel state requires state")
		}
	case StageJobDone, StageJobError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
