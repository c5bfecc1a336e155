package vault

import (
	"encoding/base64"
	"strings"

	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// EncodeStateToken mints the opaque `state` OAuth parameter carrying
// {userId, sessionStateId}, per §3.2. The legacy richer form
// ({userId, taskId, persistentTokenId}) is not produced by this
// implementation; §9 requires picking one shape.
func EncodeStateToken(t StateToken) string {
	raw := t.UserID + ":" + t.SessionStateID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// ParseStateToken decodes a state token minted by EncodeStateToken. It fails
// closed on malformed input, a wrong separator count, or empty fields, per
// §3.2.
func ParseStateToken(s string) (StateToken, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return StateToken{}, vaulterr.New(vaulterr.CodeInvalidRequest, "state token is not valid base64url")
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 2 {
		return StateToken{}, vaulterr.New(vaulterr.CodeInvalidRequest, "state token has the wrong field count")
	}

	userID, sessionStateID := parts[0], parts[1]
	if userID == "" || sessionStateID == "" {
		return StateToken{}, vaulterr.New(vaulterr.CodeInvalidRequest, "state token has an empty field")
	}

	return StateToken{UserID: userID, SessionStateID: sessionStateID}, nil
}
