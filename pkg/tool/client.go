package tool

import (
	"context"

	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/m-mizutani/rendezvous/pkg/usecase/scheduling"
)

// Client contains shared resources that tools can use
type Client struct {
	Scheduling *scheduling.UseCase
	Memory     *memory.Manager
}

type ownerKey struct{}

// WithOwner attaches the user on whose behalf tools run
func WithOwner(ctx context.Context, owner model.OwnerID) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner attached by WithOwner, or an empty OwnerID
func OwnerFrom(ctx context.Context) model.OwnerID {
	owner, _ := ctx.Value(ownerKey{}).(model.OwnerID)
	return owner
}
