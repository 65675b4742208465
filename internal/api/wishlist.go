package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/mutation"
	"github.com/chinmina/marketplace-session/internal/pipeline"
)

type Wishlist struct {
	UserID   string    `json:"userId"`
	Products []Product `json:"products"`
}

type WishlistArgs struct {
	UserID    string
	ProductID string
}

type Wishlists struct {
	api   *pipeline.Client
	cache *cache.Namespace

	Add    mutation.Func[WishlistArgs, Wishlist]
	Remove mutation.Func[WishlistArgs, Wishlist]
}

func NewWishlists(api *pipeline.Client, ns *cache.Namespace, mutations *mutation.Factory) *Wishlists {
	w := &Wishlists{api: api, cache: ns}

	invalidates := func(_ Wishlist, args WishlistArgs) []cache.Key {
		return []cache.Key{WishlistKey(args.UserID)}
	}

	w.Add = mutation.Build(mutations, mutation.Definition[WishlistArgs, Wishlist]{
		Name: "addToWishlist",
		Write: func(ctx context.Context, args WishlistArgs) (Wishlist, error) {
			body := struct {
				ProductID string `json:"productId"`
			}{ProductID: args.ProductID}
			return call[Wishlist](ctx, api, http.MethodPost, wishlistPath(args.UserID), body)
		},
		Invalidates: invalidates,
	})

	w.Remove = mutation.Build(mutations, mutation.Definition[WishlistArgs, Wishlist]{
		Name: "removeFromWishlist",
		Write: func(ctx context.Context, args WishlistArgs) (Wishlist, error) {
			return call[Wishlist](ctx, api, http.MethodDelete, wishlistPath(args.UserID)+"/"+url.PathEscape(args.ProductID), nil)
		},
		Invalidates: invalidates,
	})

	return w
}

func WishlistKey(userID string) cache.Key {
	return cache.Prefix(cache.KindWishlist, userID)
}

func (w *Wishlists) Get(ctx context.Context, userID string) (Wishlist, error) {
	return cache.Read(ctx, w.cache, WishlistKey(userID), func(ctx context.Context) (Wishlist, error) {
		return get[Wishlist](ctx, w.api, wishlistPath(userID))
	})
}

func wishlistPath(userID string) string {
	return "users/" + url.PathEscape(userID) + "/wishlist"
}
