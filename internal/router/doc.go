// Package router implements the request router: the single client-facing
// endpoint that validates operation requests and dispatches them to the
// operation handlers.
//
// Borrow requests are always answered synchronously. Returns and renewals
// follow a per-kind Strategy: either the router waits for the handler's real
// answer, or it acknowledges at once and publishes the operation on a fan-out
// topic for subscribed handlers.
//
// # Timeouts
//
// Config.Timeout bounds the wait for a handler. It must exceed the handler's
// own worst case of two replica attempts, otherwise the router reports
// HANDLER_FAILED while the handler is still failing over. DefaultTimeout
// covers handlers running at their default timeout.
//
// # Usage Example
//
//	r, err := router.New(router.Config{
//	    Borrow:         router.NewHTTPHandlerClient("localhost:8081"),
//	    Renew:          router.NewHTTPHandlerClient("localhost:8082"),
//	    Bus:            bus,
//	    ReturnStrategy: router.StrategyFireAndForget,
//	})
//	if err != nil {
//	    return err
//	}
//	resp := r.Dispatch(ctx, []byte("PRESTAR,ISBN0001,ana"))
package router
