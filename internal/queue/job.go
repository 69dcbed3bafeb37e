package queue

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrJobNotFound is returned when no job hash exists for an id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidJob is returned by Enqueue when the payload fails validation.
	ErrInvalidJob = errors.New("invalid job")
	// ErrNotActive is returned by Settle when the job is no longer in the
	// active list, usually because it was reclaimed as stalled.
	ErrNotActive = errors.New("job is not active")
	// ErrNotFailed is returned by Retry for jobs that are not in the failed set.
	ErrNotFailed = errors.New("job is not failed")
)

// NotificationJob is the producer payload.
type NotificationJob struct {
	Title       string         `json:"title" validate:"required"`
	Body        string         `json:"body" validate:"required"`
	Data        map[string]any `json:"data,omitempty"`
	Topic       string         `json:"topic,omitempty" validate:"omitempty,max=900"`
	ScheduledAt *time.Time     `json:"scheduledAt,omitempty"`
}

func (n NotificationJob) UserID() string    { return n.dataString("userId") }
func (n NotificationJob) RideID() string    { return n.dataString("rideId") }
func (n NotificationJob) BookingID() string { return n.dataString("bookingId") }
func (n NotificationJob) FCMToken() string  { return n.dataString("fcmToken") }
func (n NotificationJob) Type() string      { return n.dataString("type") }

// Extra returns data.extra when it is an object.
func (n NotificationJob) Extra() map[string]any {
	if m, ok := n.Data["extra"].(map[string]any); ok {
		return m
	}
	return nil
}

func (n NotificationJob) dataString(key string) string {
	switch v := n.Data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Options override the queue's default job policy. Zero values keep the
// defaults.
type Options struct {
	Attempts int
	// Backoff is the base of the exponential retry delay.
	Backoff time.Duration
	// Timeout bounds one execution attempt.
	Timeout time.Duration
	// Delay defers the first attempt.
	Delay time.Duration
}

// State is where a job currently lives.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ParseState validates a state name coming from an operator.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed:
		return st, true
	}
	return "", false
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// Job is a reserved or inspected job.
type Job struct {
	ID              string          `json:"id"`
	Data            NotificationJob `json:"data"`
	State           State           `json:"state"`
	Attempts        int             `json:"attempts"`
	AttemptsMade    int             `json:"attemptsMade"`
	AttemptsStarted int             `json:"attemptsStarted"`
	StalledCount    int             `json:"stalledCount"`
	Backoff         time.Duration   `json:"backoff"`
	Timeout         time.Duration   `json:"timeout"`
	RecordID        string          `json:"recordId,omitempty"`
	FailedReason    string          `json:"failedReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ProcessedAt     time.Time       `json:"processedAt,omitempty"`
	FinishedAt      time.Time       `json:"finishedAt,omitempty"`
}

// Outcome is the variant of a handler Result.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result is what a job handler returns. The queue inspects the variant to
// decide between completion, a delayed retry and a permanent failure.
type Result struct {
	Outcome Outcome
	Err     error
}

func Completed() Result { return Result{Outcome: OutcomeCompleted} }

func Retryable(err error) Result { return Result{Outcome: OutcomeRetryable, Err: err} }

func Terminal(err error) Result { return Result{Outcome: OutcomeTerminal, Err: err} }

// Counts is the operator view of the queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    int64 `json:"paused"`
}
