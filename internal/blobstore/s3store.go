package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// s3Client is the subset of *s3.Client this backend calls, so tests can
// substitute a fake without standing up a real bucket.
type s3Client interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is the cloud object-store blob backend, keyed by the same sharded
// layout as the filesystem backend.
type S3Store struct {
	client s3Client
	bucket string
	prefix string
}

// NewS3Store constructs an S3-backed Store using the default AWS credential
// chain resolved via aws-sdk-go-v2/config.
func NewS3Store(cfg ProviderConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: s3 store requires a bucket")
	}
	ctx := context.Background()
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: loading AWS config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) objectKey(d digest.Digest) string {
	return ShardedKey(s.prefix, d)
}

// Put uploads localPath's content under digest d's sharded key. Idempotent:
// if an object already exists at the key, no bytes are retransferred.
func (s *S3Store) Put(ctx context.Context, d digest.Digest, localPath string) (BlobRef, error) {
	key := s.objectKey(d)
	if exists, etag, err := s.headObject(ctx, key); err != nil {
		return BlobRef{}, err
	} else if exists {
		return BlobRef{URI: BuildObjectURI("s3", s.bucket, key), ETag: etag}, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: stat %s: %w", localPath, err)
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"sha256": d.Hex()},
	})
	if err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: s3 PutObject: %w", err)
	}
	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return BlobRef{URI: BuildObjectURI("s3", s.bucket, key), ETag: etag}, nil
}

// Get downloads the object named by ref into destPath via a temp file in
// destPath's directory, then renames it into place.
func (s *S3Store) Get(ctx context.Context, ref BlobRef, destPath string) error {
	parsed, err := ParseBlobURI(ref.URI)
	if err != nil {
		return err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(parsed.Container),
		Key:    aws.String(parsed.Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return ErrNotFound
		}
		return fmt.Errorf("blobstore: s3 GetObject: %w", err)
	}
	defer out.Body.Close()

	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("blobstore: creating destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(destDir, "tmp-s3get-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: downloading object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: renaming into place: %w", err)
	}
	return nil
}

// Exists reports whether ref's object is present via a HeadObject call.
func (s *S3Store) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	parsed, err := ParseBlobURI(ref.URI)
	if err != nil {
		return false, err
	}
	exists, _, err := s.headObject(ctx, parsed.Key)
	return exists, err
}

func (s *S3Store) headObject(ctx context.Context, key string) (exists bool, etag string, err error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("blobstore: s3 HeadObject: %w", err)
	}
	if out.ETag != nil {
		etag = *out.ETag
	}
	return true, etag, nil
}

var _ Store = (*S3Store)(nil)
