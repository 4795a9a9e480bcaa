// Package tenant carries the organization/user identity that every job
// payload declares through to the downstream calls a handler makes, so that
// chat, database, and LLM calls all observe the same scoping.
package tenant

import "context"

type contextKey int

const (
	ctxKey contextKey = iota
)

// Context identifies the tenant a job handler is executing on behalf of.
type Context struct {
	OrganizationID string
	UserID         string

	// unscoped is set by WithoutScoping for system-run work (scheduled
	// tasks, cron) that must bypass row-level tenant scoping in the
	// relational store.
	unscoped bool
}

// Unscoped reports whether the caller opted out of row-level scoping.
func (c Context) Unscoped() bool {
	return c.unscoped
}

// New builds a tenant context for a job acting on behalf of organizationID
// (required) and userID (optional — empty for system-originated jobs).
func New(organizationID, userID string) Context {
	return Context{OrganizationID: organizationID, UserID: userID}
}

// WithoutScoping returns a copy of c that callers may use to bypass
// row-level scoping in the relational store. Handlers must opt into this
// explicitly; it is never the default.
func WithoutScoping(c Context) Context {
	c.unscoped = true
	return c
}

// Into attaches c to ctx.
func Into(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey, c)
}

// From extracts the tenant context carried by ctx, if any.
func From(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(ctxKey).(Context)
	return c, ok
}

// MustFrom extracts the tenant context carried by ctx, panicking if absent.
// Worker handlers may rely on this since the worker base always attaches one
// before invoking a handler.
func MustFrom(ctx context.Context) Context {
	c, ok := From(ctx)
	if !ok {
		panic("tenant: no tenant context attached — handler invoked outside the worker base")
	}
	return c
}
