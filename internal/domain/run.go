package domain

import (
	"time"
)

// FailureKind классифицирует нефатальные ошибки запуска.
type FailureKind string

const (
	FailureResolve FailureKind = "resolve"
	FailureHistory FailureKind = "history"
	FailureDetail  FailureKind = "detail"
	FailurePersist FailureKind = "persist"
	FailurePublish FailureKind = "publish"
)

// Failure описывает пропущенную единицу работы: канал, сообщение или запись.
type Failure struct {
	Kind      FailureKind
	Handle    ChannelHandle
	MessageID int
	Err       error
}

func (f Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f Failure) Unwrap() error { return f.Err }

// ChannelReport описывает результат обработки одного канала.
type ChannelReport struct {
	Handle   ChannelHandle
	Ref      ChannelRef
	Resolved bool
	Fetched  int
	Eligible int
	Selected int
	Failures []Failure
}

// Diagnostics собирает сведения о запуске отдельно от выборки.
type Diagnostics struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Channels   []ChannelReport
	Persisted  int
	Failures   []Failure
}

// FailureCount возвращает общее число нефатальных ошибок.
func (d Diagnostics) FailureCount() int {
	n := len(d.Failures)
	for _, ch := range d.Channels {
		n += len(ch.Failures)
	}
	return n
}

// RunResult содержит итог одного запуска конвейера.
type RunResult struct {
	Selection   Selection
	Diagnostics Diagnostics
}
