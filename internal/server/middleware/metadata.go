package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/amakom/BlueprintAI-sub001/pkg/state"
)

type contextKey string

const reqMetaKey = contextKey("request-metadata")

// RequestMetadata accumulates what the chain learns about a request: the
// client address up front, the verified identity once authentication has
// run.
type RequestMetadata struct {
	IP       string
	Identity state.Identity
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware injects the metadata struct. It must be the
// first middleware in the chain.
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			reqMeta.IP = ip

			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
