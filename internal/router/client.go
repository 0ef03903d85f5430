package router

import (
	"context"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/protocol"
)

// HandlerClient calls one operation handler synchronously.
type HandlerClient interface {
	Call(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// HTTPHandlerClient calls a handler's POST /process endpoint.
type HTTPHandlerClient struct {
	Addr string
}

// NewHTTPHandlerClient accepts the handler address as a URL or host:port.
func NewHTTPHandlerClient(addr string) *HTTPHandlerClient {
	return &HTTPHandlerClient{Addr: cluster.BaseURL(addr)}
}

// Call relays the handler's reply, including structured error replies such
// as the all-replicas-failed answer.
func (c *HTTPHandlerClient) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var resp protocol.Response
	err := cluster.PostJSON(ctx, c.Addr+"/process", req, &resp)
	if se, ok := cluster.IsStatus(err); ok && se.Decoded {
		return resp, nil
	}
	if err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}
