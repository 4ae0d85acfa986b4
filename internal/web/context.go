package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/reconcile/internal/core"
)

// withRequester records the caller on ctx for the run history. RemoteAddr
// has already been rewritten by TrustedRealIP when the proxy is trusted.
func withRequester(r *http.Request) context.Context {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return core.ContextWithRequester(r.Context(), ip, r.UserAgent())
}
