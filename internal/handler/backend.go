package handler

import (
	"context"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/protocol"
)

// Backend is one storage replica.
type Backend interface {
	Name() string

	// Do sends req to the replica. A returned error is a transport failure;
	// any reply the replica produced, including error replies, comes back
	// as a Response.
	Do(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// HTTPBackend talks to a storage manager's service listener.
type HTTPBackend struct {
	Site cluster.SiteInfo
}

// NewHTTPBackend accepts site addresses as URLs or host:port.
func NewHTTPBackend(site cluster.SiteInfo) *HTTPBackend {
	site.Addr = cluster.BaseURL(site.Addr)
	return &HTTPBackend{Site: site}
}

func (b *HTTPBackend) Name() string { return b.Site.ID }

// Do posts req to the site's /op endpoint.
func (b *HTTPBackend) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var resp protocol.Response
	err := cluster.PostJSON(ctx, b.Site.Addr+"/op", req, &resp)
	if se, ok := cluster.IsStatus(err); ok && se.Decoded {
		return resp, nil
	}
	if err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}
