package methods

import "context"

// Handler is implemented by the device side of a direct method call.
type Handler interface {
	HandleMethod(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HandlerFunc) HandleMethod(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
