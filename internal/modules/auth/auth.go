// Package auth implements the authentication and room-authorization
// collaborators consumed by the signaling router.
package auth

import (
	"context"
	"strings"

	"github.com/voxspace/core/internal/modules/signaling"
	"github.com/voxspace/core/internal/pkg/jwt"
)

// JWTVerifier validates bearer tokens signed with the service secret.
type JWTVerifier struct{}

// VerifyToken implements signaling.TokenVerifier.
func (JWTVerifier) VerifyToken(token string) (*signaling.Identity, error) {
	token = NormalizeToken(token)
	if token == "" {
		return nil, &signaling.AuthenticationError{Reason: "token is required"}
	}

	claims, err := jwt.Parse(token)
	if err != nil {
		return nil, &signaling.AuthenticationError{Reason: "invalid token"}
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.UserID
	}
	return &signaling.Identity{
		UserID:      claims.UserID,
		DisplayName: name,
		Permissions: claims.Permissions,
	}, nil
}

// NormalizeToken trims spaces and strips an optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

// ClaimsAuthorizer grants room access from token permissions. A token with
// no permission claims gets the open-room default; otherwise it needs a
// wildcard or a room-scoped grant.
type ClaimsAuthorizer struct{}

// IsAuthorizedForRoom implements signaling.RoomAuthorizer.
func (ClaimsAuthorizer) IsAuthorizedForRoom(_ context.Context, identity *signaling.Identity, roomID string) (bool, error) {
	if identity == nil {
		return false, nil
	}
	if len(identity.Permissions) == 0 {
		return true, nil
	}
	for _, p := range identity.Permissions {
		if p == "*" || p == "rooms:*" || p == "room:"+roomID {
			return true, nil
		}
	}
	return false, nil
}
