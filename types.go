package marketplace

import (
	"github.com/chinmina/marketplace-session/internal/api"
	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/chinmina/marketplace-session/internal/credential"
	"github.com/chinmina/marketplace-session/internal/session"
)

type (
	SignInRequest       = api.SignInRequest
	SignUpRequest       = api.SignUpRequest
	SocialSignInRequest = api.SocialSignInRequest
	DomainError         = api.DomainError

	Role         = credential.Role
	SessionState = session.State

	CacheKey      = cache.Key
	CacheSnapshot = cache.Snapshot
)

const (
	RoleUser  = credential.RoleUser
	RoleAdmin = credential.RoleAdmin

	Unauthenticated = session.Unauthenticated
	Authenticated   = session.Authenticated
	Renewing        = session.Renewing
	Expired         = session.Expired
)

var (
	ErrForbidden        = api.ErrForbidden
	ErrNotAuthenticated = session.ErrNotAuthenticated
)
