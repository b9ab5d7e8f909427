package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"cba-go/internal/cba"
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// s3Store is a blobStore on one S3 bucket. S3 has no block lists, so each
// block is its own object and the committed state is a manifest object
// whose body lists the block keys and whose user metadata carries the
// sync status:
//
//	<container>/<blob>.blocks/<block id>
//	<container>/<blob>              (manifest)
//
// The archive tier is the GLACIER storage class, applied by copying the
// objects onto themselves.
type s3Store struct {
	client s3API
	bucket string
	region string
}

var _ blobStore = (*s3Store)(nil)

// S3Options configures an S3 provider.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string // for S3-compatible services
	PathStyle bool
}

// NewS3Provider creates a provider on an S3 bucket. Static credentials are
// used when creds is non-nil; otherwise the default AWS credential chain applies.
func NewS3Provider(ctx context.Context, name string, opts S3Options, creds *cba.Credentials) (cba.Provider, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 provider requires a bucket attribute", cba.ErrValidation)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if creds != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading aws config: %v", cba.ErrAuthentication, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newTransport(name, &s3Store{client: client, bucket: opts.Bucket, region: cfg.Region}), nil
}

func (s *s3Store) manifestKey(container, blob string) string {
	return path.Join(container, blob)
}

func (s *s3Store) blockKey(container, blob, id string) string {
	return path.Join(container, blob+".blocks", id)
}

// classifyS3 maps S3 error codes onto the error categories the transport understands.
func classifyS3(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NoSuchBucket":
		return fmt.Errorf("%w: %v", errContainerNotFound, err)
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %v", cba.ErrNotFound, err)
	case "BadDigest", "InvalidDigest":
		return fmt.Errorf("%w: %v", cba.ErrIntegrity, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%w: %v", cba.ErrAuthentication, err)
	}
	return err
}

// EnsureContainer creates the bucket if needed. Containers are key prefixes
// inside it and need no creation of their own.
func (s *s3Store) EnsureContainer(ctx context.Context, _ string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if err := classifyS3(err); !errors.Is(err, cba.ErrNotFound) {
		return err
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return classifyS3(err)
	}
	return nil
}

func (s *s3Store) StageBlock(ctx context.Context, container, blob, id string, data, md5sum []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.blockKey(container, blob, id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(md5sum)),
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

// CommitBlocks writes the manifest for ids. Blocks covered by the previous
// manifest were checked when it was written, so only the blocks past its
// last block are looked up.
func (s *s3Store) CommitBlocks(ctx context.Context, container, blob string, ids []string, metadata map[string]string) error {
	committed := int64(-1)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(container, blob)),
	})
	if err == nil {
		committed = statusFromMetadata(out.Metadata, "").LastCommittedBlock
	} else if err := classifyS3(err); !errors.Is(err, cba.ErrNotFound) || errors.Is(err, errContainerNotFound) {
		return err
	}

	keys := make([]string, 0, len(ids))
	for i, id := range ids {
		key := s.blockKey(container, blob, id)
		if int64(i) <= committed {
			keys = append(keys, key)
			continue
		}
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
			err = classifyS3(err)
			if errors.Is(err, cba.ErrNotFound) && !errors.Is(err, errContainerNotFound) {
				return fmt.Errorf("%w: invalid block list: block %s was never staged", cba.ErrIntegrity, id)
			}
			return err
		}
		keys = append(keys, key)
	}

	body := []byte(strings.Join(keys, "\n"))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.manifestKey(container, blob)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("text/plain"),
		Metadata:      metadata,
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

func (s *s3Store) Properties(ctx context.Context, container, blob string) (*blobProperties, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(container, blob)),
	})
	if err != nil {
		return nil, classifyS3(err)
	}
	tier := string(out.StorageClass)
	if tier == "" {
		tier = string(types.StorageClassStandard)
	}
	return &blobProperties{
		Metadata: out.Metadata,
		Tier:     tier,
		Archived: out.StorageClass == types.StorageClassGlacier || out.StorageClass == types.StorageClassDeepArchive,
	}, nil
}

// SetArchiveTier moves every block object and then the manifest to GLACIER.
// The manifest goes last so an interrupted call is retried in full.
func (s *s3Store) SetArchiveTier(ctx context.Context, container, blob string) error {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(container, blob)),
	})
	if err != nil {
		return classifyS3(err)
	}
	lastBlock := statusFromMetadata(out.Metadata, "").LastCommittedBlock

	keys := make([]string, 0, lastBlock+2)
	for _, id := range blockIDs(lastBlock) {
		keys = append(keys, s.blockKey(container, blob, id))
	}
	keys = append(keys, s.manifestKey(container, blob))

	for _, key := range keys {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(s.bucket),
			Key:               aws.String(key),
			CopySource:        aws.String(url.PathEscape(s.bucket + "/" + key)),
			StorageClass:      types.StorageClassGlacier,
			MetadataDirective: types.MetadataDirectiveCopy,
		})
		if err != nil {
			return classifyS3(err)
		}
	}
	return nil
}
