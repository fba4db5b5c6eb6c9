package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Services pass it down so repo calls join an enclosing transaction when one
// exists and fall back to the root handle otherwise.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
