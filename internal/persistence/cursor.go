// Package persistence selects a store backend and holds helpers shared by the implementations.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const cursorSeparator = "|"

// EncodeCursor renders the keyset position as "received_at|id" in unpadded URL-safe base64,
// so the token can be placed in a query string without escaping.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw := c.Timestamp.UTC().Format(time.RFC3339Nano) + cursorSeparator + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token means the first page.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(decoded), cursorSeparator)
	if !ok || id == "" {
		return nil, fmt.Errorf("cursor %q: want received_at|id", decoded)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("cursor timestamp: %w", err)
	}
	return &domain.Cursor{Timestamp: at, ID: id}, nil
}
