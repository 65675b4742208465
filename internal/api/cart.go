package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/mutation"
	"github.com/chinmina/marketplace-session/internal/pipeline"
)

type CartItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

type Cart struct {
	UserID string     `json:"userId"`
	Items  []CartItem `json:"items"`
	Total  float64    `json:"total"`
}

type CartItemArgs struct {
	UserID    string
	ProductID string
	Quantity  int
}

// Carts binds the per-user cart. Every write returns the updated cart.
type Carts struct {
	api   *pipeline.Client
	cache *cache.Namespace

	AddItem    mutation.Func[CartItemArgs, Cart]
	UpdateItem mutation.Func[CartItemArgs, Cart]
	RemoveItem mutation.Func[CartItemArgs, Cart]
	Clear      mutation.Func[string, Cart]
}

func NewCarts(api *pipeline.Client, ns *cache.Namespace, mutations *mutation.Factory) *Carts {
	c := &Carts{api: api, cache: ns}

	invalidatesCart := func(_ Cart, args CartItemArgs) []cache.Key {
		return []cache.Key{CartKey(args.UserID)}
	}

	c.AddItem = mutation.Build(mutations, mutation.Definition[CartItemArgs, Cart]{
		Name: "addCartItem",
		Write: func(ctx context.Context, args CartItemArgs) (Cart, error) {
			body := CartItem{ProductID: args.ProductID, Quantity: args.Quantity}
			return call[Cart](ctx, api, http.MethodPost, cartPath(args.UserID)+"/items", body)
		},
		Invalidates: invalidatesCart,
	})

	c.UpdateItem = mutation.Build(mutations, mutation.Definition[CartItemArgs, Cart]{
		Name: "updateCartItem",
		Write: func(ctx context.Context, args CartItemArgs) (Cart, error) {
			body := struct {
				Quantity int `json:"quantity"`
			}{Quantity: args.Quantity}
			return call[Cart](ctx, api, http.MethodPut, cartPath(args.UserID)+"/items/"+url.PathEscape(args.ProductID), body)
		},
		Invalidates: invalidatesCart,
	})

	c.RemoveItem = mutation.Build(mutations, mutation.Definition[CartItemArgs, Cart]{
		Name: "removeCartItem",
		Write: func(ctx context.Context, args CartItemArgs) (Cart, error) {
			return call[Cart](ctx, api, http.MethodDelete, cartPath(args.UserID)+"/items/"+url.PathEscape(args.ProductID), nil)
		},
		Invalidates: invalidatesCart,
	})

	c.Clear = mutation.Build(mutations, mutation.Definition[string, Cart]{
		Name: "clearCart",
		Write: func(ctx context.Context, userID string) (Cart, error) {
			return call[Cart](ctx, api, http.MethodDelete, cartPath(userID), nil)
		},
		Invalidates: func(_ Cart, userID string) []cache.Key {
			return []cache.Key{CartKey(userID)}
		},
	})

	return c
}

func CartKey(userID string) cache.Key {
	return cache.Prefix(cache.KindCart, userID)
}

func (c *Carts) Get(ctx context.Context, userID string) (Cart, error) {
	return cache.Read(ctx, c.cache, CartKey(userID), func(ctx context.Context) (Cart, error) {
		return get[Cart](ctx, c.api, cartPath(userID))
	})
}

func cartPath(userID string) string {
	return "users/" + url.PathEscape(userID) + "/cart"
}
