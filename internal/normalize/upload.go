package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/observability"
)

// ErrUnsupportedFormat is returned by decoders for file types they cannot read.
var ErrUnsupportedFormat = errors.New("unsupported activity file format")

// FileDecoder turns activity file bytes into a canonical draft. Implementations fill metrics and
// may leave identity fields empty for the caller to supply.
type FileDecoder interface {
	Decode(fileType string, data []byte) (domain.CanonicalActivity, error)
}

// JSONFileDecoder reads files that an upstream decoder has already converted to the inline
// activity shape.
type JSONFileDecoder struct{}

// Decode implements FileDecoder.
func (JSONFileDecoder) Decode(fileType string, data []byte) (domain.CanonicalActivity, error) {
	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case "", "json":
	default:
		return domain.CanonicalActivity{}, domain.Permanent(fmt.Errorf("%w: %q", ErrUnsupportedFormat, fileType))
	}

	var entry wireActivity
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.CanonicalActivity{}, domain.Permanent(fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err))
	}
	entry = entry.merged()
	draft, err := entry.metrics(time.Time{})
	if err != nil {
		return domain.CanonicalActivity{}, domain.Permanent(err)
	}
	draft.SourceID = entry.sourceID()
	return draft, nil
}

// UploadedFileRecord is a binary activity file accepted at the upload endpoint.
type UploadedFileRecord struct {
	Provider       string
	ExternalUserID string
	SourceID       string
	FileType       string
	Data           []byte
	UploadedAt     time.Time
}

// ContentID returns a stable identifier for the file bytes.
func (r UploadedFileRecord) ContentID() string {
	sum := sha256.Sum256(r.Data)
	return hex.EncodeToString(sum[:])
}

// NormalizeUpload decodes rec and stores it with source uploaded-file. When the embedded external
// user id has no linked account the activity is stored awaiting an owner. created is false when
// the same file was uploaded before.
func (n *Normalizer) NormalizeUpload(ctx context.Context, rec UploadedFileRecord) (domain.CanonicalActivity, bool, error) {
	if len(rec.Data) == 0 {
		return domain.CanonicalActivity{}, false, domain.Permanent(fmt.Errorf("%w: empty upload", domain.ErrMalformedPayload))
	}

	draft, err := n.decoder.Decode(rec.FileType, rec.Data)
	if err != nil {
		observability.RecordActivity(string(domain.SourceUploadedFile), "rejected")
		return domain.CanonicalActivity{}, false, classify(err)
	}

	draft.Source = domain.SourceUploadedFile
	draft.UserID = ""
	draft.Provider = rec.Provider
	if rec.ExternalUserID != "" {
		draft.ExternalUserID = rec.ExternalUserID
	}
	switch {
	case rec.SourceID != "":
		draft.SourceID = rec.SourceID
	case draft.SourceID == "":
		draft.SourceID = rec.ContentID()
	}
	if draft.StartTime.IsZero() {
		uploaded := rec.UploadedAt
		if uploaded.IsZero() {
			uploaded = n.clock()
		}
		draft.StartTime = uploaded.UTC()
	}

	stored, created, err := n.persist(ctx, draft)
	if err != nil {
		return domain.CanonicalActivity{}, false, classify(err)
	}
	n.logger.Info("upload normalized",
		zap.String("activity_id", stored.ID),
		zap.String("source_id", stored.SourceID),
		zap.String("owner_status", string(stored.OwnerStatus)),
		zap.Bool("created", created),
	)
	return stored, created, nil
}
