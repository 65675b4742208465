package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chinmina/marketplace-session/internal/credential"
	"github.com/chinmina/marketplace-session/internal/pipeline"
)

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SocialSignInRequest exchanges an identity provider's token for a
// marketplace session.
type SocialSignInRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

type renewalRequest struct {
	RenewalToken string `json:"renewalToken"`
}

// Auth binds the authentication endpoints. It is also the session manager's
// renewer.
type Auth struct {
	api *pipeline.Client
}

func NewAuth(api *pipeline.Client) *Auth {
	return &Auth{api: api}
}

func (a *Auth) SignIn(ctx context.Context, req SignInRequest) (credential.Set, error) {
	return a.issue(ctx, "auth/signin", req)
}

func (a *Auth) SignUp(ctx context.Context, req SignUpRequest) (credential.Set, error) {
	return a.issue(ctx, "auth/signup", req)
}

func (a *Auth) SocialSignIn(ctx context.Context, req SocialSignInRequest) (credential.Set, error) {
	return a.issue(ctx, "auth/social", req)
}

// Renew exchanges the renewal credential of current for a new credential
// set. A rejected renewal does not trigger reactive renewal.
func (a *Auth) Renew(ctx context.Context, current credential.Set) (credential.Set, error) {
	return a.issue(pipeline.WithoutUnauthorizedHook(ctx), "auth/renew", renewalRequest{RenewalToken: current.RenewalToken})
}

// SignOut revokes the renewal credential of current on the server.
func (a *Auth) SignOut(ctx context.Context, current credential.Set) error {
	_, err := call[json.RawMessage](
		pipeline.WithoutUnauthorizedHook(ctx),
		a.api,
		http.MethodPost,
		"auth/signout",
		renewalRequest{RenewalToken: current.RenewalToken},
	)
	return err
}

func (a *Auth) issue(ctx context.Context, path string, body any) (credential.Set, error) {
	set, err := call[credential.Set](ctx, a.api, http.MethodPost, path, body)
	if err != nil {
		return credential.Set{}, err
	}

	if err := set.Validate(); err != nil {
		return credential.Set{}, fmt.Errorf("%s returned an unusable credential set: %w", path, err)
	}

	return set, nil
}
