package agent

import (
	"context"

	"github.com/hupe1980/flowkit/session"
)

type sessionKey struct{}

func withSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session of the agent turn running in ctx,
// or nil. Changes made to it are saved at the end of the turn.
func SessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey{}).(*session.Session)
	return s
}
