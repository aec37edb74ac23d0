package database

import "context"

type contextKey string

const (
	// TxScopeKey is the context key for storing the scoped database connection.
	TxScopeKey contextKey = "txScope"
)

// GetTxScope retrieves the scoped database connection from context.
// Returns nil and false if not present.
func GetTxScope(ctx context.Context) (*TxScope, bool) {
	scope, ok := ctx.Value(TxScopeKey).(*TxScope)
	return scope, ok
}

// SetTxScope stores the scoped database connection in context.
func SetTxScope(ctx context.Context, scope *TxScope) context.Context {
	return context.WithValue(ctx, TxScopeKey, scope)
}
