// Package store persists the engine's records: one document per record in a
// blobstore, with embedding payloads in companion sealed blobs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hupe1980/biovault/blobstore"
	"github.com/hupe1980/biovault/codec"
	"github.com/hupe1980/biovault/model"
	"github.com/hupe1980/biovault/persistence"
)

const (
	templatePrefix = "templates/"
	docSuffix      = ".json"
	blobSuffix     = ".bin"
)

// embeddingBlob is the payload sealed into a template's companion blob.
type embeddingBlob struct {
	Embeddings embeddingSet `json:"embeddings"`
	Metadata   blobMetadata `json:"metadata"`
}

type embeddingSet struct {
	Anatomical    []float32   `json:"anatomical,omitempty"`
	Dynamic       []float32   `json:"dynamic,omitempty"`
	RawAnatomical []float32   `json:"raw_anatomical,omitempty"`
	RawTemporal   [][]float32 `json:"raw_temporal,omitempty"`
}

type blobMetadata struct {
	TemplateID    string    `json:"template_id"`
	SavedAt       time.Time `json:"saved_at"`
	Encrypted     bool      `json:"is_encrypted"`
	FormatVersion uint8     `json:"format_version"`
	BootstrapMode bool      `json:"bootstrap_mode"`
}

// TemplateStore persists biometric templates. The template document and the
// embedding blob are separate blobs; the blob is sealed (checksummed,
// optionally compressed and encrypted).
type TemplateStore struct {
	blobs    blobstore.Store
	codec    codec.Codec
	envelope *persistence.Envelope
	logger   *slog.Logger
}

// NewTemplateStore creates a template store over the given backend.
func NewTemplateStore(blobs blobstore.Store, c codec.Codec, envelope *persistence.Envelope, logger *slog.Logger) *TemplateStore {
	if c == nil {
		c = codec.Default
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TemplateStore{blobs: blobs, codec: c, envelope: envelope, logger: logger}
}

func docName(id string) string  { return templatePrefix + id + docSuffix }
func blobName(id string) string { return templatePrefix + id + blobSuffix }

// Save persists the template document and its sealed embedding blob.
// The blob is written first so a crash between the two writes leaves no
// document pointing at a missing blob.
func (s *TemplateStore) Save(ctx context.Context, t *model.BiometricTemplate) error {
	t.Encrypted = s.envelope.Encrypts()

	sealed, err := s.envelope.Seal(embeddingBlob{
		Embeddings: embeddingSet{
			Anatomical:    t.State.Anatomical,
			Dynamic:       t.State.Dynamic,
			RawAnatomical: t.State.RawAnatomical,
			RawTemporal:   t.State.RawTemporal,
		},
		Metadata: blobMetadata{
			TemplateID:    t.TemplateID,
			SavedAt:       time.Now().UTC(),
			Encrypted:     t.Encrypted,
			FormatVersion: persistence.FormatVersion,
			BootstrapMode: t.State.Pending(),
		},
	})
	if err != nil {
		return fmt.Errorf("template %s: seal blob: %w", t.TemplateID, err)
	}

	if err := s.blobs.Put(ctx, blobName(t.TemplateID), sealed); err != nil {
		return fmt.Errorf("template %s: write blob: %w", t.TemplateID, err)
	}

	doc, err := s.codec.Marshal(t)
	if err != nil {
		return fmt.Errorf("template %s: marshal document: %w", t.TemplateID, err)
	}
	if err := s.blobs.Put(ctx, docName(t.TemplateID), doc); err != nil {
		return fmt.Errorf("template %s: write document: %w", t.TemplateID, err)
	}

	return nil
}

// Load reads a template and its embedding payload.
func (s *TemplateStore) Load(ctx context.Context, id string) (*model.BiometricTemplate, error) {
	doc, err := s.blobs.Get(ctx, docName(id))
	if err != nil {
		return nil, fmt.Errorf("template %s: read document: %w", id, err)
	}

	var t model.BiometricTemplate
	if err := s.codec.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("template %s: decode document: %w", id, err)
	}

	sealed, err := s.blobs.Get(ctx, blobName(id))
	if err != nil {
		return nil, fmt.Errorf("template %s: read blob: %w", id, err)
	}

	var blob embeddingBlob
	if err := s.envelope.Unseal(sealed, &blob); err != nil {
		return nil, fmt.Errorf("template %s: unseal blob: %w", id, err)
	}

	kind := model.StateFull
	if blob.Metadata.BootstrapMode {
		kind = model.StatePending
	}
	t.State = model.TemplateState{
		Kind:          kind,
		Anatomical:    blob.Embeddings.Anatomical,
		Dynamic:       blob.Embeddings.Dynamic,
		RawAnatomical: blob.Embeddings.RawAnatomical,
		RawTemporal:   blob.Embeddings.RawTemporal,
	}

	return &t, nil
}

// Delete removes the template document and blob.
func (s *TemplateStore) Delete(ctx context.Context, id string) error {
	if err := s.blobs.Delete(ctx, docName(id)); err != nil {
		return fmt.Errorf("template %s: delete document: %w", id, err)
	}
	if err := s.blobs.Delete(ctx, blobName(id)); err != nil {
		return fmt.Errorf("template %s: delete blob: %w", id, err)
	}
	return nil
}

// IDs lists all stored template IDs.
func (s *TemplateStore) IDs(ctx context.Context) ([]string, error) {
	names, err := s.blobs.List(ctx, templatePrefix)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	var ids []string
	for _, name := range names {
		if strings.HasSuffix(name, docSuffix) {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, templatePrefix), docSuffix))
		}
	}
	return ids, nil
}

// LoadAll reads every stored template. Undecodable templates are skipped
// with a warning; startup must not fail because one record is damaged.
func (s *TemplateStore) LoadAll(ctx context.Context) ([]*model.BiometricTemplate, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, err
	}

	templates := make([]*model.BiometricTemplate, 0, len(ids))
	for _, id := range ids {
		t, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable template", "template_id", id, "error", err)
			continue
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// StorageBytes reports the bytes consumed by template records, when the
// backend can tell.
func (s *TemplateStore) StorageBytes(ctx context.Context) int64 {
	if sizer, ok := s.blobs.(blobstore.Sizer); ok {
		if n, err := sizer.SizeOf(ctx, templatePrefix); err == nil {
			return n
		}
	}
	return 0
}
