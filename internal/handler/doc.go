// Package handler implements the operation handlers that sit between the
// request router and the two storage replicas. A handler is stateless: it
// forwards each operation to replica A and falls back to replica B according
// to its Policy.
//
// # Overview
//
// Each replica attempt is bounded by Config.Timeout, so one operation takes at
// most twice that before the handler gives up with ALL_REPLICAS_FAILED. Only
// technical failures move on to the next replica. A business answer such as
// NOT_AVAILABLE or LOAN_NOT_FOUND is final and relayed as is.
//
// A handler serves POST /process for the router. It can also consume
// operations published by the router's fire-and-forget strategy from a
// pubsub topic.
//
// # Usage Example
//
//	h, err := handler.New(handler.Config{
//	    Name:     "borrow",
//	    Kinds:    []protocol.Kind{protocol.KindBorrow},
//	    Backends: []handler.Backend{handler.NewHTTPBackend(site1), handler.NewHTTPBackend(site2)},
//	})
//	if err != nil {
//	    return err
//	}
//	http.ListenAndServe(":8081", h.Routes())
package handler
