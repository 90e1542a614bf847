package tools

import "context"

type contextKey string

const turnKey contextKey = "turn"

// TurnInfo identifies the inbound message a tool call belongs to.
type TurnInfo struct {
	EnvelopeID string
	Source     string
	Author     string
}

// WithTurn attaches turn identity to the context.
func WithTurn(ctx context.Context, info TurnInfo) context.Context {
	return context.WithValue(ctx, turnKey, info)
}

// TurnFromContext extracts turn identity. The zero value is returned
// when none was attached.
func TurnFromContext(ctx context.Context) TurnInfo {
	info, _ := ctx.Value(turnKey).(TurnInfo)
	return info
}
