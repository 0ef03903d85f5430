// Package cluster holds the JSON-over-HTTP plumbing shared by every sedes
// process: the storage managers, the operation handlers, the request router
// and the health monitor.
//
// # Overview
//
// Every hop in the system is a synchronous request/reply exchange carrying a
// JSON body:
//
//	client ──► router ──► handler ──► manager (site A)
//	                          └─────► manager (site B)
//	monitor ──► manager /health (site A, site B)
//
// PostJSON and GetJSON share one http.Client that has no timeout of its own.
// Each call is bounded by the context passed in, which is how the handler
// applies its per-replica timeout, the router its handler timeout and the
// monitor its 2 second query timeout. A context without a deadline gets
// DefaultCallTimeout.
//
// # Error Replies
//
// A non-2xx reply is returned as *StatusError. If the body still decodes into
// the caller's output value the error is marked Decoded, so a structured reply
// such as
//
//	HTTP 503 {"success":false,"error":"STORE_UNAVAILABLE", ...}
//
// can be classified by its content rather than dropped as a transport failure.
//
// # Serialization
//
// Bodies are encoded with json-iterator in its standard-library compatible
// configuration, so field tags behave exactly as with encoding/json.
//
// # Usage Example
//
//	var resp protocol.Response
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := cluster.PostJSON(ctx, site.Addr+"/op", req, &resp)
//	if se, ok := cluster.IsStatus(err); ok && se.Decoded {
//	    // resp holds the site's error reply
//	}
package cluster
