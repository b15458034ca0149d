package ports

import (
	"context"

	"github.com/alejandrodnm/satsale/internal/domain"
)

// Notifier publica los eventos de settlement para la UI.
// Fire-and-forget: un error se loguea y nunca deshace un commit.
type Notifier interface {
	Notify(ctx context.Context, event domain.SettlementEvent) error
}
