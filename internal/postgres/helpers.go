package postgres

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/taskplane/taskplane/internal/domain"
)

// docOrNull marshals a JSON document for a JSONB column. Empty documents
// store as NULL.
func docOrNull(doc domain.Document) ([]byte, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return raw, nil
}

// docFromRaw unmarshals a JSONB column into a document. NULL yields nil.
func docFromRaw(raw []byte) domain.Document {
	if len(raw) == 0 {
		return nil
	}
	var doc domain.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

// tagsOrNull marshals a tag list for its JSONB column.
func tagsOrNull(tags []string) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return raw, nil
}

// tagsFromRaw unmarshals a JSONB tag list. NULL yields nil.
func tagsFromRaw(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

// encodePageToken encodes an offset-based pagination token.
func encodePageToken(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

// decodePageToken decodes a pagination token back to an offset. An empty
// token means offset 0; a malformed token is an invalid request.
func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: bad page token", domain.ErrInvalidTask)
	}
	s := string(raw)
	if !strings.HasPrefix(s, "o:") {
		return 0, fmt.Errorf("%w: bad page token", domain.ErrInvalidTask)
	}
	offset, err := strconv.Atoi(s[2:])
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: bad page token", domain.ErrInvalidTask)
	}
	return offset, nil
}
