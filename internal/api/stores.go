package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/credential"
	"github.com/chinmina/marketplace-session/internal/mutation"
	"github.com/chinmina/marketplace-session/internal/pipeline"
)

// Credentials exposes the signed-in credential set. *credential.Store
// implements it.
type Credentials interface {
	Current() (credential.Set, bool)
}

type Store struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StoreFields are the editable fields of a store.
type StoreFields struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	OwnerID     string `json:"ownerId,omitempty"`
}

type UpdateStoreArgs struct {
	ID     string
	Fields StoreFields
}

// Stores binds the store directory. Reads are public; writes are admin CRUD
// and are refused locally unless the session holds the admin role.
type Stores struct {
	api   *pipeline.Client
	cache *cache.Namespace

	Create mutation.Func[StoreFields, Store]
	Update mutation.Func[UpdateStoreArgs, Store]
	Delete mutation.Func[string, json.RawMessage]
}

func NewStores(api *pipeline.Client, ns *cache.Namespace, mutations *mutation.Factory, creds Credentials) *Stores {
	s := &Stores{api: api, cache: ns}

	s.Create = mutation.Build(mutations, mutation.Definition[StoreFields, Store]{
		Name: "createStore",
		Write: func(ctx context.Context, fields StoreFields) (Store, error) {
			if err := requireAdmin(creds); err != nil {
				return Store{}, err
			}
			return call[Store](ctx, api, http.MethodPost, "stores", fields)
		},
		Invalidates: func(created Store, _ StoreFields) []cache.Key {
			return storeTargets(created.ID)
		},
	})

	s.Update = mutation.Build(mutations, mutation.Definition[UpdateStoreArgs, Store]{
		Name: "updateStore",
		Write: func(ctx context.Context, args UpdateStoreArgs) (Store, error) {
			if err := requireAdmin(creds); err != nil {
				return Store{}, err
			}
			return call[Store](ctx, api, http.MethodPut, "stores/"+url.PathEscape(args.ID), args.Fields)
		},
		Invalidates: func(_ Store, args UpdateStoreArgs) []cache.Key {
			return storeTargets(args.ID)
		},
	})

	s.Delete = mutation.Build(mutations, mutation.Definition[string, json.RawMessage]{
		Name: "deleteStore",
		Write: func(ctx context.Context, id string) (json.RawMessage, error) {
			if err := requireAdmin(creds); err != nil {
				return nil, err
			}
			return call[json.RawMessage](ctx, api, http.MethodDelete, "stores/"+url.PathEscape(id), nil)
		},
		Invalidates: func(_ json.RawMessage, id string) []cache.Key {
			return storeTargets(id)
		},
	})

	return s
}

func StoreListKey(page Page) cache.Key {
	return cache.Resolve(cache.KindStores, []string{"list"}, page.filter())
}

func StoreKey(id string) cache.Key {
	return cache.Prefix(cache.KindStores, "detail", id)
}

func (s *Stores) List(ctx context.Context, page Page) ([]Store, error) {
	return cache.Read(ctx, s.cache, StoreListKey(page), func(ctx context.Context) ([]Store, error) {
		return get[[]Store](ctx, s.api, "stores"+page.query())
	})
}

func (s *Stores) Get(ctx context.Context, id string) (Store, error) {
	return cache.Read(ctx, s.cache, StoreKey(id), func(ctx context.Context) (Store, error) {
		return get[Store](ctx, s.api, "stores/"+url.PathEscape(id))
	})
}

// storeTargets stales every listing and the store's own entry; store
// products carry the store name, so product listings go too.
func storeTargets(id string) []cache.Key {
	return []cache.Key{
		cache.Prefix(cache.KindStores, "list"),
		StoreKey(id),
		cache.Prefix(cache.KindProducts, "list"),
	}
}

func requireAdmin(creds Credentials) error {
	set, ok := creds.Current()
	if !ok || !set.Role.IsAdmin() {
		return ErrForbidden
	}
	return nil
}
