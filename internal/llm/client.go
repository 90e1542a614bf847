package llm

import "context"

// Client is the interface every model provider implements.
type Client interface {
	// Complete sends one request and returns the model's reply.
	Complete(ctx context.Context, req Request) (*Response, error)
}
