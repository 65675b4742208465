// Package api binds the marketplace REST endpoints. Reads go through the
// cache namespace; writes are mutations that declare the cache entries they
// make stale.
package api

import (
	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/mutation"
	"github.com/chinmina/marketplace-session/internal/pipeline"
)

type API struct {
	Auth      *Auth
	Products  *Products
	Reviews   *Reviews
	Carts     *Carts
	Wishlists *Wishlists
	Stores    *Stores
}

func New(client *pipeline.Client, ns *cache.Namespace, mutations *mutation.Factory, creds Credentials) *API {
	return &API{
		Auth:      NewAuth(client),
		Products:  NewProducts(client, ns),
		Reviews:   NewReviews(client, ns, mutations),
		Carts:     NewCarts(client, ns, mutations),
		Wishlists: NewWishlists(client, ns, mutations),
		Stores:    NewStores(client, ns, mutations, creds),
	}
}
