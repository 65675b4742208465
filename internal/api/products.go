package api

import (
	"context"
	"net/url"

	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/pipeline"
)

type Product struct {
	ID          string  `json:"id"`
	StoreID     string  `json:"storeId"`
	CategoryID  string  `json:"categoryId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Rating      float64 `json:"rating"`
	ReviewCount int     `json:"reviewCount"`
}

// ProductQuery narrows a product listing.
type ProductQuery struct {
	Search     string
	CategoryID string
	StoreID    string
	Page       Page
}

func (q ProductQuery) filter() cache.Filter {
	f := q.Page.filter()
	if q.Search != "" {
		f["search"] = q.Search
	}
	if q.CategoryID != "" {
		f["category"] = q.CategoryID
	}
	if q.StoreID != "" {
		f["store"] = q.StoreID
	}
	return f
}

func (q ProductQuery) query() string {
	v := q.Page.values()
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.CategoryID != "" {
		v.Set("category", q.CategoryID)
	}
	if q.StoreID != "" {
		v.Set("store", q.StoreID)
	}
	return encodeQuery(v)
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Products binds the read-only catalog endpoints. Listings are public, so
// they work for anonymous sessions too.
type Products struct {
	api   *pipeline.Client
	cache *cache.Namespace
}

func NewProducts(api *pipeline.Client, ns *cache.Namespace) *Products {
	return &Products{api: api, cache: ns}
}

func ProductListKey(q ProductQuery) cache.Key {
	return cache.Resolve(cache.KindProducts, []string{"list"}, q.filter())
}

func ProductKey(id string) cache.Key {
	return cache.Prefix(cache.KindProducts, "detail", id)
}

func (p *Products) List(ctx context.Context, q ProductQuery) ([]Product, error) {
	return cache.Read(ctx, p.cache, ProductListKey(q), func(ctx context.Context) ([]Product, error) {
		return get[[]Product](ctx, p.api, "products"+q.query())
	})
}

func (p *Products) Get(ctx context.Context, id string) (Product, error) {
	return cache.Read(ctx, p.cache, ProductKey(id), func(ctx context.Context) (Product, error) {
		return get[Product](ctx, p.api, "products/"+url.PathEscape(id))
	})
}

func (p *Products) Categories(ctx context.Context) ([]Category, error) {
	return cache.Read(ctx, p.cache, cache.Prefix(cache.KindCategories), func(ctx context.Context) ([]Category, error) {
		return get[[]Category](ctx, p.api, "categories")
	})
}
