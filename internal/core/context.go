package core

import "context"

type contextKey string

const (
	ctxKeyIPAddress contextKey = "requester_ip"
	ctxKeyUserAgent contextKey = "requester_ua"
)

// ContextWithRequester stores the caller's address and user agent so run
// records can name who started an operation.
func ContextWithRequester(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyIPAddress, ip)
	return context.WithValue(ctx, ctxKeyUserAgent, userAgent)
}

// RequesterFromContext returns the address and user agent stored by
// ContextWithRequester.
func RequesterFromContext(ctx context.Context) (ip, userAgent string) {
	ip, _ = ctx.Value(ctxKeyIPAddress).(string)
	userAgent, _ = ctx.Value(ctxKeyUserAgent).(string)
	return ip, userAgent
}
