package pds

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
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/pds/metrics"
	"github.com/driftpds/pds/internal/types"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// rawCIDBuilder addresses blob bytes: raw codec, SHA2-256. Distinct from the
// dag-cbor builder the repo uses for records and commits.
var rawCIDBuilder = cid.NewPrefixV1(cid.Raw, multihash.SHA2_256)

// blobstore holds an account-agnostic handle on the S3-compatible bucket
// where blob bytes live. Metadata rows stay in FDB; only the payload goes to
// object storage, under a did/cid key so per-account purges are a prefix
// operation there too.
type blobstore struct {
	client *s3.Client
	bucket string
}

func newBlobstore(cfg *BlobstoreConfig) (*blobstore, error) {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(fmt.Sprintf("http://%s", cfg.Endpoint)),
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true, // required for S3-compatible services like Garage
	})

	return &blobstore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (bs *blobstore) objectKey(did, cid string) string {
	return "blobs/" + did + "/" + cid
}

// put uploads one blob's bytes under its (did, cid) object key.
func (bs *blobstore) put(ctx context.Context, did, cid, mimeType string, data []byte) error {
	_, err := bs.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bs.bucket),
		Key:         aws.String(bs.objectKey(did, cid)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	return err
}

// fetch opens a blob's bytes for streaming. The caller closes the reader.
func (bs *blobstore) fetch(ctx context.Context, did, cid string) (io.ReadCloser, error) {
	out, err := bs.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.objectKey(did, cid)),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// bucketExists checks if the configured bucket exists (used for health checks and tests)
func (bs *blobstore) bucketExists(ctx context.Context) (bool, error) {
	_, err := bs.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bs.bucket),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}
	if s.blobstore == nil {
		s.internalErr(w, fmt.Errorf("blobstore not configured"))
		return
	}

	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	// the whole body is needed up front to address it. A zero-length blob is
	// legal and gets the CID of the empty byte string.
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.badRequest(w, fmt.Errorf("failed to read request body: %w", err))
		return
	}

	blobCID, err := rawCIDBuilder.Sum(data)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to compute CID: %w", err))
		return
	}
	cidStr := blobCID.String()

	if err := s.blobstore.put(ctx, actor.Did, cidStr, mimeType, data); err != nil {
		metrics.BlobUploads.WithLabelValues("error").Inc()
		s.internalErr(w, fmt.Errorf("failed to store blob bytes: %w", err))
		return
	}

	row := &types.Blob{
		Did:       actor.Did,
		Cid:       cidStr,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: timestamppb.Now(),
	}
	if err := s.db.SaveBlob(ctx, row); err != nil {
		metrics.BlobUploads.WithLabelValues("error").Inc()
		s.internalErr(w, fmt.Errorf("failed to save blob metadata: %w", err))
		return
	}

	metrics.BlobUploads.WithLabelValues("success").Inc()
	metrics.BlobUploadBytes.Add(float64(len(data)))

	s.jsonOK(w, atproto.RepoUploadBlob_Output{
		Blob: &util.LexBlob{
			Ref:      util.LexLink(blobCID),
			MimeType: mimeType,
			Size:     int64(len(data)),
		},
	})
}

func (s *server) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	did := r.URL.Query().Get("did")
	if did == "" {
		s.badRequest(w, fmt.Errorf("did is required"))
		return
	}

	limit, err := parseIntParam(r, "limit", 500)
	if err != nil || limit < 0 {
		s.badRequest(w, fmt.Errorf("invalid limit"))
		return
	}
	if limit > 1000 {
		limit = 1000
	}

	blobs, nextCursor, err := s.db.ListBlobs(ctx, did, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list blobs: %w", err))
		return
	}

	cids := make([]string, len(blobs))
	for i, blob := range blobs {
		cids[i] = blob.Cid
	}

	s.jsonOK(w, atproto.SyncListBlobs_Output{
		Cids:   cids,
		Cursor: nextCursorOrNil(nextCursor),
	})
}

func (s *server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	did := r.URL.Query().Get("did")
	if did == "" {
		s.badRequest(w, fmt.Errorf("did is required"))
		return
	}

	blobCID, err := cid.Parse(r.URL.Query().Get("cid"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid cid: %w", err))
		return
	}
	cidStr := blobCID.String()

	if s.blobstore == nil {
		s.internalErr(w, fmt.Errorf("blobstore not configured"))
		return
	}

	// the metadata row is authoritative for existence and content type
	blob, err := s.db.GetBlob(ctx, did, cidStr)
	if errors.Is(err, db.ErrNotFound) {
		metrics.BlobDownloads.WithLabelValues("not_found").Inc()
		s.errNamed(w, http.StatusNotFound, "BlobNotFound", "blob not found")
		return
	}
	if err != nil {
		metrics.BlobDownloads.WithLabelValues("error").Inc()
		s.internalErr(w, fmt.Errorf("failed to get blob metadata: %w", err))
		return
	}

	body, err := s.blobstore.fetch(ctx, did, cidStr)
	if err != nil {
		metrics.BlobDownloads.WithLabelValues("error").Inc()
		s.internalErr(w, fmt.Errorf("failed to fetch blob bytes: %w", err))
		return
	}
	defer func() {
		if err := body.Close(); err != nil {
			s.log.Error("failed to close blob object", "err", err)
		}
	}()

	metrics.BlobDownloads.WithLabelValues("success").Inc()
	metrics.BlobDownloadBytes.Add(float64(blob.Size))

	w.Header().Set("Content-Type", blob.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", cidStr))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		s.log.Error("failed to stream blob", "err", err)
	}
}
