package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos receive one of these so callers choose whether an operation joins
// an enclosing transaction or runs on the base handle.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func New(ctx context.Context, tx *gorm.DB) Context {
	return Context{Ctx: ctx, Tx: tx}
}

// Handle returns the transaction when set, otherwise the fallback handle,
// always bound to the carried context.
func (d Context) Handle(fallback *gorm.DB) *gorm.DB {
	h := d.Tx
	if h == nil {
		h = fallback
	}
	if d.Ctx != nil {
		h = h.WithContext(d.Ctx)
	}
	return h
}
