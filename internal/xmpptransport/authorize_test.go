package xmpptransport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/stanza"
)

type stubAuthorizer struct {
	authorized bool
	err        error
}

func (s stubAuthorizer) IsAuthorized(ctx context.Context, project, senderJID string) (bool, error) {
	return s.authorized, s.err
}

func TestCheckAuthorized_NilAuthorizerAllowsEverything(t *testing.T) {
	ok, err := checkAuthorized(context.Background(), nil, nil, stanza.IQ{}, "proj", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAuthorized_AllowsKnownSubscriber(t *testing.T) {
	authz := stubAuthorizer{authorized: true}
	ok, err := checkAuthorized(context.Background(), nil, authz, stanza.IQ{}, "proj", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAuthorized_PropagatesAuthorizerError(t *testing.T) {
	authz := stubAuthorizer{err: errors.New("boom")}
	ok, err := checkAuthorized(context.Background(), nil, authz, stanza.IQ{}, "proj", "alice@example.com")
	assert.Error(t, err)
	assert.False(t, ok)
}
