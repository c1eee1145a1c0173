package ports

import (
	"context"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
)

type Reporter interface {
	Report(ctx context.Context, report domain.PassReport) error
}
