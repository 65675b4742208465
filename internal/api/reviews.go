package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/mutation"
	"github.com/chinmina/marketplace-session/internal/pipeline"
)

type Review struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	UserID    string    `json:"userId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewReview is the body of a review submission.
type NewReview struct {
	ProductID string `json:"productId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

type CreateReviewArgs struct {
	UserID string
	Review NewReview
}

type DeleteReviewArgs struct {
	ReviewID  string
	ProductID string
}

type Reviews struct {
	api   *pipeline.Client
	cache *cache.Namespace

	// Create submits a review and stales the product's review lists and the
	// product itself, whose rating summary changes.
	Create mutation.Func[CreateReviewArgs, Review]

	// Delete removes a review and stales the same entries as Create.
	Delete mutation.Func[DeleteReviewArgs, json.RawMessage]
}

func NewReviews(api *pipeline.Client, ns *cache.Namespace, mutations *mutation.Factory) *Reviews {
	r := &Reviews{api: api, cache: ns}

	r.Create = mutation.Build(mutations, mutation.Definition[CreateReviewArgs, Review]{
		Name: "createReview",
		Write: func(ctx context.Context, args CreateReviewArgs) (Review, error) {
			return call[Review](ctx, api, http.MethodPost, "users/"+url.PathEscape(args.UserID)+"/reviews", args.Review)
		},
		Invalidates: func(_ Review, args CreateReviewArgs) []cache.Key {
			return reviewTargets(args.Review.ProductID)
		},
	})

	r.Delete = mutation.Build(mutations, mutation.Definition[DeleteReviewArgs, json.RawMessage]{
		Name: "deleteReview",
		Write: func(ctx context.Context, args DeleteReviewArgs) (json.RawMessage, error) {
			return call[json.RawMessage](ctx, api, http.MethodDelete, "reviews/"+url.PathEscape(args.ReviewID), nil)
		},
		Invalidates: func(_ json.RawMessage, args DeleteReviewArgs) []cache.Key {
			return reviewTargets(args.ProductID)
		},
	})

	return r
}

// ReviewListKey is the cache key of a page of a product's reviews.
func ReviewListKey(productID string, page Page) cache.Key {
	return cache.Resolve(cache.KindReviews, []string{"list", productID}, page.filter())
}

// List returns a page of reviews for a product, from cache when fresh.
func (r *Reviews) List(ctx context.Context, productID string, page Page) ([]Review, error) {
	return cache.Read(ctx, r.cache, ReviewListKey(productID, page), func(ctx context.Context) ([]Review, error) {
		path := "products/" + url.PathEscape(productID) + "/reviews" + page.query()
		return get[[]Review](ctx, r.api, path)
	})
}

// reviewTargets stales the product's review pages and every entry showing
// its rating summary: the product itself and any listing it appears in.
func reviewTargets(productID string) []cache.Key {
	return []cache.Key{
		cache.Prefix(cache.KindReviews, "list", productID),
		ProductKey(productID),
		cache.Prefix(cache.KindProducts, "list"),
	}
}
