package httpapi

import (
	"context"
	"net/http"
)

// shutdownCtx is canceled when the process starts draining.
var shutdownCtx = context.Background()

// SetBaseContext ties handler contexts to process shutdown. nil detaches them.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx = ctx
}

// joinContexts derives from b, so b's values survive, and is also canceled
// when a is done.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handlerContext is the context service calls run under: the request's own,
// cut short by shutdown.
func handlerContext(r *http.Request) (context.Context, context.CancelFunc) {
	return joinContexts(shutdownCtx, r.Context())
}
