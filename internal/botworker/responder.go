package botworker

import (
	"context"
	"fmt"
	"strings"
)

// CannedResponder is the development responder. It acknowledges the user's
// message with a rotating supportive prompt; real reasoning lives in the
// external worker.
type CannedResponder struct {
	replies []string
	next    int
}

// NewCannedResponder creates a responder with the default reply set.
func NewCannedResponder() *CannedResponder {
	return &CannedResponder{
		replies: []string{
			"Thank you for sharing that. What feels most present for you right now?",
			"That sounds like a lot to carry. Can you tell me more about it?",
			"I hear you. What would feeling a little better look like today?",
		},
	}
}

// Respond returns the next canned reply, echoing a fragment of the user's
// message so conversations are traceable in development.
func (r *CannedResponder) Respond(_ context.Context, userText string) (string, error) {
	reply := r.replies[r.next%len(r.replies)]
	r.next++

	fragment := strings.TrimSpace(userText)
	if len(fragment) > 40 {
		fragment = fragment[:40] + "..."
	}
	if fragment == "" {
		return reply, nil
	}
	return fmt.Sprintf("You said: %q. %s", fragment, reply), nil
}
