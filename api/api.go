// Package api builds the typed backend requests of the SDK. It carries
// no caching or retry policy of its own; both live in the transport.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	sdkerrors "github.com/exparo/exparo-go/errors"
	"github.com/exparo/exparo-go/transport"
	"github.com/exparo/exparo-go/types"
)

// Backend paths.
const (
	PathIdentify    = "api/users/identify"
	PathExperiments = "api/experiments"
)

// Gateway issues the typed backend calls over a transport.
type Gateway struct {
	t *transport.Client
}

// NewGateway wraps t.
func NewGateway(t *transport.Client) *Gateway {
	return &Gateway{t: t}
}

// IdentifyUser registers a (partial) identity and returns the
// server-completed one.
func (g *Gateway) IdentifyUser(ctx context.Context, user types.User) (types.User, error) {
	data, err := g.t.Do(ctx, transport.RequestOptions{
		Method: http.MethodPost,
		Path:   PathIdentify,
		Body:   user,
	})
	if err != nil {
		return types.User{}, err
	}
	var out types.User
	if err := json.Unmarshal(data, &out); err != nil {
		return types.User{}, sdkerrors.Network("decode identify response", err)
	}
	return out, nil
}

// GetVariant resolves the variant for one experiment key and the given
// identity.
func (g *Gateway) GetVariant(ctx context.Context, experimentKey string, user types.User) (types.VariantResult, error) {
	data, err := g.t.Do(ctx, transport.RequestOptions{
		Method: http.MethodGet,
		Path:   PathExperiments + "/" + url.PathEscape(experimentKey) + "/variant",
		Query:  identityQuery(user),
	})
	if err != nil {
		return types.VariantResult{}, err
	}
	var out types.VariantResult
	if err := json.Unmarshal(data, &out); err != nil {
		return types.VariantResult{}, sdkerrors.Network("decode variant response", err)
	}
	return out, nil
}

// GetExperiments resolves every current assignment for the identity in
// one call. Available for manual warm-start; the initialization flow does
// not invoke it.
func (g *Gateway) GetExperiments(ctx context.Context, user types.User) ([]types.VariantResult, error) {
	data, err := g.t.Do(ctx, transport.RequestOptions{
		Method: http.MethodGet,
		Path:   PathExperiments,
		Query:  identityQuery(user),
	})
	if err != nil {
		return nil, err
	}
	var out []types.VariantResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, sdkerrors.Network("decode experiments response", err)
	}
	return out, nil
}

func identityQuery(user types.User) url.Values {
	q := url.Values{}
	if user.ID != "" {
		q.Set("user_id", user.ID)
	}
	if user.DeviceID != "" {
		q.Set("device_id", user.DeviceID)
	}
	if user.Email != "" {
		q.Set("email", user.Email)
	}
	if user.ExternalID != "" {
		q.Set("external_id", user.ExternalID)
	}
	return q
}
