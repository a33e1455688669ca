package telegram

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rewired-gh/polywatch/internal/models"
)

// StdoutSink renders alerts to a writer instead of the chat API.
type StdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

func (s *StdoutSink) write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s\n\n", text)
	return err
}

func (s *StdoutSink) Deliver(_ context.Context, alert models.CandidateAlert) error {
	return s.write(FormatAlert(alert))
}

func (s *StdoutSink) SendError(_ context.Context, cycleErr error) error {
	return s.write(FormatError(cycleErr))
}

func (s *StdoutSink) SendRecovery(_ context.Context, failureCount int) error {
	return s.write(FormatRecovery(failureCount))
}
