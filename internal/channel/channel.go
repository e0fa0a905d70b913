// Package channel delivers rendered campaign messages to recipients.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/foxzi/cadence/internal/models"
)

// ErrUnknownChannel is returned by Registry.Get for unregistered names
var ErrUnknownChannel = errors.New("unknown channel")

// Outcome is the result of one delivery attempt. Success=false with a nil
// error means the remote side refused the message.
type Outcome struct {
	Success   bool
	Detail    string
	MessageID string
}

// Sender delivers one message to one recipient
type Sender interface {
	Send(ctx context.Context, r models.Recipient, message string) (Outcome, error)
}

// Error is a delivery failure with type information
type Error struct {
	Temporary bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a temporary delivery failure.
// Errors of unknown type are treated as temporary.
func IsTemporary(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Temporary
	}
	return true
}

// Registry maps channel names to senders
type Registry struct {
	senders  map[string]Sender
	fallback string
}

// NewRegistry creates an empty registry. fallback names the sender used for
// campaigns without a channel.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		senders:  make(map[string]Sender),
		fallback: fallback,
	}
}

// Register adds or replaces a sender
func (r *Registry) Register(name string, s Sender) {
	r.senders[name] = s
}

// Get returns the sender for name and the name it resolved to
func (r *Registry) Get(name string) (string, Sender, error) {
	if name == "" {
		name = r.fallback
	}
	s, ok := r.senders[name]
	if !ok {
		return name, nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return name, s, nil
}

// Names returns registered channel names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
