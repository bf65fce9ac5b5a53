// Package notify delivers feeder notifications to people: push messages to
// phones, email, and the "bird memory" image upload.
package notify

import (
	"context"
	"errors"
)

// Message is a single notification. Image is optional, sinks that cannot
// carry one ignore it.
type Message struct {
	Title string
	Body  string
	Image []byte
}

// Notifier sends a message to every configured recipient.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// MemoryStore keeps the latest bird memory, overwriting the previous one.
type MemoryStore interface {
	SaveMemory(ctx context.Context, species string, image []byte) error
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Texts sent to the feeder's owners.
const (
	NewMemoryTitle = "New Bird Memory! 🐦"
	FeedLowTitle   = "Your birds are running out of food! ⚠️"
	FeedLowBody    = "The feeder is running low. Top it up soon."
)

// NewMemoryBody names the bird in the memory notification.
func NewMemoryBody(displayName string) string {
	return "A " + displayName + " visited the feeder!\nView it in your bird memories gallery."
}
