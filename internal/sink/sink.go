// Package sink pushes enriched tickets into the downstream CRM.
package sink

import (
	"context"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

// Session is an authenticated connection to the sink.
type Session struct {
	AccessToken string
	InstanceURL string
}

// Client is the downstream sink. Create returns the sink's identifier for the
// new record.
type Client interface {
	Authenticate(ctx context.Context) (*Session, error)
	Create(ctx context.Context, session *Session, summary domain.Summary) (string, error)
}
