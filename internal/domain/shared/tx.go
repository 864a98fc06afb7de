package shared

import "context"

// Transactor runs fn inside one persistence transaction. The transaction
// travels in the context handed to fn; repositories called with that context
// take part in it. A WithinTx call made with a context that already carries a
// transaction joins it instead of opening a new one.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
