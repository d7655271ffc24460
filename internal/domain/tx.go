package domain

import "context"

// TxManager runs fn inside a database transaction, committing when fn
// returns nil and rolling back otherwise.
type TxManager interface {
	WithTx(ctx context.Context, fn func(tx Querier) error) error
}
