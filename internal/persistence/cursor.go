// Package persistence holds storage helpers shared by the API and the Postgres repositories.
package persistence

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apdarr/lace/internal/domain"
)

// ErrInvalidCursor is returned for page tokens that were not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// pageToken is the keyset position behind an opaque cursor: the last row's start date and id.
type pageToken struct {
	Start time.Time `json:"s"`
	ID    string    `json:"i"`
}

// EncodeCursor turns c into a URL-safe token. A nil cursor encodes as "".
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw, _ := json.Marshal(pageToken{Start: c.StartDateLocal.UTC(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor reverses EncodeCursor. A blank token means the first page and yields nil.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var pt pageToken
	if err := json.Unmarshal(raw, &pt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if pt.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	return &domain.Cursor{StartDateLocal: pt.Start, ID: pt.ID}, nil
}
