package channel

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/cadence/internal/clock"
	"github.com/foxzi/cadence/internal/models"
)

// Captured is a message accepted by the sandbox channel
type Captured struct {
	RecipientID  string
	Address      string
	Subject      string
	Message      string
	CapturedAt   time.Time
	SimulatedErr string
}

// simulatedErrors are picked at random when error simulation is on
var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"421 Service not available",
}

// Sandbox records messages in memory instead of delivering them. It keeps the
// most recent Limit messages.
type Sandbox struct {
	mu       sync.Mutex
	captured []Captured
	limit    int

	simulateErrors   bool
	errorProbability float64
	rand             func() float64

	clock  clock.Clock
	logger *slog.Logger
}

// NewSandbox creates a sandbox channel that keeps up to limit messages
func NewSandbox(limit int, clk clock.Clock, logger *slog.Logger) *Sandbox {
	if limit <= 0 {
		limit = 1000
	}
	return &Sandbox{
		limit:            limit,
		errorProbability: 0.1,
		rand:             rand.Float64,
		clock:            clk,
		logger:           logger.With("channel", "sandbox"),
	}
}

// SetErrorSimulation enables or disables simulated delivery failures
func (s *Sandbox) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

// Send implements Sender
func (s *Sandbox) Send(ctx context.Context, r models.Recipient, message string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	subject, _ := splitSubject(message, "")
	msg := Captured{
		RecipientID: r.ID,
		Address:     r.Address,
		Subject:     subject,
		Message:     message,
		CapturedAt:  s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.simulateErrors && s.rand() < s.errorProbability {
		msg.SimulatedErr = simulatedErrors[int(s.rand()*float64(len(simulatedErrors)))%len(simulatedErrors)]
		s.store(msg)
		s.logger.Info("sandbox: simulated failure", "address", r.Address, "error", msg.SimulatedErr)
		return Outcome{}, &Error{
			Temporary: strings.HasPrefix(msg.SimulatedErr, "4"),
			Message:   msg.SimulatedErr,
		}
	}

	s.store(msg)
	s.logger.Debug("sandbox: message captured", "address", r.Address)
	return Outcome{Success: true}, nil
}

func (s *Sandbox) store(msg Captured) {
	s.captured = append(s.captured, msg)
	if over := len(s.captured) - s.limit; over > 0 {
		s.captured = append(s.captured[:0:0], s.captured[over:]...)
	}
}

// Messages returns a copy of the captured messages, oldest first
func (s *Sandbox) Messages() []Captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Captured, len(s.captured))
	copy(out, s.captured)
	return out
}

// Reset discards all captured messages
func (s *Sandbox) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = nil
}
