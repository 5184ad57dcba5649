// Package blob is the BlobStore: content-addressed binary object storage
// for uploaded media, grounded on internal/pds/blob.go in the teacher this
// project is adapted from. Unlike the teacher, a blobstore is optional — a
// single-tenant account engine with no S3-compatible endpoint configured
// falls back to storing bytes inline in the embedded database, so uploads
// never hard-fail just because object storage wasn't set up.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/pdsmetrics"
	"github.com/atlasdev/pdsengine/internal/store"
	"github.com/atlasdev/pdsengine/internal/tracing"
)

// MaxBlobSize is the upload size cap spec.md §4.4 requires that the teacher
// itself never enforced (S3 alone bounded upload size there).
const MaxBlobSize = 5 * 1024 * 1024

// ErrTooLarge is returned when an upload exceeds MaxBlobSize.
var ErrTooLarge = errors.New("blob exceeds maximum size of 5MiB")

// ErrEmpty is returned for a zero-length upload.
var ErrEmpty = errors.New("empty blob")

var cidBuilder = cid.NewPrefixV1(cid.Raw, multihash.SHA2_256)

// Config selects an optional S3-compatible backend. A zero Config means
// "store blob bytes inline in the embedded database."
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Store is the BlobStore. client is nil when no external backend is configured.
type Store struct {
	store  *store.Store
	client *s3.Client
	bucket string
	tracer trace.Tracer
}

func New(backing *store.Store, cfg *Config) *Store {
	st := &Store{store: backing, tracer: otel.Tracer("blob")}
	if cfg != nil && cfg.Endpoint != "" {
		st.client = s3.New(s3.Options{
			BaseEndpoint: aws.String(fmt.Sprintf("http://%s", cfg.Endpoint)),
			Region:       cfg.Region,
			Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			UsePathStyle: true,
		})
		st.bucket = cfg.Bucket
	}
	return st
}

// blobKey is the object key a blob's bytes are stored under in the
// external backend. There is exactly one account per engine, so the key
// only needs to be unique by content address.
func blobKey(c cid.Cid) string {
	return fmt.Sprintf("blobs/%s", c.String())
}

// Upload computes a blob's CID, persists its bytes (externally if
// configured, inline otherwise), and records its metadata.
func (s *Store) Upload(ctx context.Context, data []byte, mimeType string) (blobCID cid.Cid, err error) {
	ctx, span := s.tracer.Start(ctx, "Upload")
	defer func() { tracing.End(span, err) }()

	if len(data) == 0 {
		return cid.Undef, ErrEmpty
	}
	if len(data) > MaxBlobSize {
		return cid.Undef, ErrTooLarge
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	blobCID, err = cidBuilder.Sum(data)
	if err != nil {
		pdsmetrics.BlobUploads.WithLabelValues("error").Inc()
		return cid.Undef, fmt.Errorf("failed to compute blob cid: %w", err)
	}

	var inlineBody []byte
	if s.client != nil {
		key := blobKey(blobCID)
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(mimeType),
		})
		if err != nil {
			pdsmetrics.BlobUploads.WithLabelValues("error").Inc()
			return cid.Undef, fmt.Errorf("failed to upload blob: %w", err)
		}
	} else {
		inlineBody = data
	}

	b := &domain.Blob{CID: blobCID.String(), MimeType: mimeType, Size: int64(len(data))}
	if err = s.store.PutBlobMeta(ctx, b, inlineBody); err != nil {
		pdsmetrics.BlobUploads.WithLabelValues("error").Inc()
		return cid.Undef, fmt.Errorf("failed to save blob metadata: %w", err)
	}
	if err = s.store.TrackImportedBlob(ctx, blobCID.String(), int64(len(data)), mimeType); err != nil {
		return cid.Undef, fmt.Errorf("failed to mark blob imported: %w", err)
	}

	pdsmetrics.BlobUploads.WithLabelValues("success").Inc()
	return blobCID, nil
}

// Get returns a blob's metadata and bytes.
func (s *Store) Get(ctx context.Context, cidStr string) (meta *domain.Blob, data []byte, err error) {
	ctx, span := s.tracer.Start(ctx, "Get")
	defer func() { tracing.End(span, err) }()

	meta, body, err := s.store.GetBlobMeta(ctx, cidStr)
	if errors.Is(err, store.ErrNotFound) {
		pdsmetrics.BlobDownloads.WithLabelValues("not_found").Inc()
		return nil, nil, err
	}
	if err != nil {
		pdsmetrics.BlobDownloads.WithLabelValues("error").Inc()
		return nil, nil, fmt.Errorf("failed to get blob metadata: %w", err)
	}

	if s.client == nil {
		pdsmetrics.BlobDownloads.WithLabelValues("success").Inc()
		return meta, body, nil
	}

	blobCID, err := cid.Decode(cidStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse blob cid: %w", err)
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(blobCID)),
	})
	if err != nil {
		pdsmetrics.BlobDownloads.WithLabelValues("error").Inc()
		return nil, nil, fmt.Errorf("failed to get blob from backend: %w", err)
	}
	defer result.Body.Close() //nolint:errcheck

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read blob body: %w", err)
	}

	pdsmetrics.BlobDownloads.WithLabelValues("success").Inc()
	return meta, data, nil
}

// Has reports whether a blob's bytes have actually been uploaded.
func (s *Store) Has(ctx context.Context, cidStr string) (bool, error) {
	return s.store.IsBlobImported(ctx, cidStr)
}

// List returns up to limit blob CIDs after cursor, in CID order.
func (s *Store) List(ctx context.Context, limit int, cursor string) ([]*domain.Blob, error) {
	return s.store.ListBlobs(ctx, limit, cursor)
}

// MissingBlobs returns blob CIDs referenced by records but never uploaded —
// com.atproto.repo.listMissingBlobs.
func (s *Store) MissingBlobs(ctx context.Context, limit int) ([]string, error) {
	return s.store.ListMissingBlobs(ctx, limit)
}
