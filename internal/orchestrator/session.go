package orchestrator

import (
	"context"
	"time"

	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/google/uuid"
)

type Kind string

const (
	KindDeploy Kind = "deploy"
	KindGrant  Kind = "grant"
)

// Result is the terminal state of a session.
type Result struct {
	Succeeded bool
	Reason    string
	// Outcome is the last pipeline run. Empty for grant sessions.
	Outcome  deploy.Outcome
	Grants   permissions.GrantRecord
	Attempts int
	LastFix  *autofix.SuggestedFix
	Err      error
}

// Session is a running deployment or grant. Events must be drained by
// exactly one consumer, or detached when the consumer goes away.
type Session struct {
	ID        uuid.UUID
	Kind      Kind
	Principal auth.Principal
	Project   string
	Service   string
	Events    *stream.Channel

	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
}

// Done is closed once the session has ended and its result is set.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result waits for the session to end.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}

// Wait is Result bounded by ctx.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Session) finish(res Result) {
	s.result = res
	close(s.done)
}
