package sink

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zeebo/blake3"
)

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements Store using an S3-compatible backend.
// Objects are stored under {prefix}/{runID}/{key}.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store creates an S3Store over an existing client.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// DialS3 loads the default AWS credential chain and returns an S3Store.
func DialS3(ctx context.Context, region, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: load aws config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Store) objectKey(runID, key string) string {
	return path.Join(s.prefix, runID, key)
}

// Put uploads the artifact. Content is buffered to compute the digest and
// give the SDK a seekable body.
func (s *S3Store) Put(ctx context.Context, runID, key string, reader io.Reader) (Artifact, error) {
	if err := validate(runID, key); err != nil {
		return Artifact{}, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact %q: %w", key, err)
	}
	sum := blake3.Sum256(data)
	digest := "blake3:" + hex.EncodeToString(sum[:])
	now := time.Now().UTC()
	objectKey := s.objectKey(runID, key)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"digest":     digest,
			"size":       strconv.Itoa(len(data)),
			"created-at": now.Format(time.RFC3339),
		},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("put artifact %q to s3: %w", key, err)
	}

	return Artifact{
		Key:       key,
		Location:  "s3://" + s.bucket + "/" + objectKey,
		Size:      int64(len(data)),
		CreatedAt: now,
		Digest:    digest,
	}, nil
}

// List returns all artifacts for runID by listing objects under the run prefix.
func (s *S3Store) List(ctx context.Context, runID string) ([]Artifact, error) {
	prefix := path.Join(s.prefix, runID) + "/"
	var arts []Artifact
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list artifacts from s3: %w", err)
		}
		for _, obj := range out.Contents {
			objectKey := aws.ToString(obj.Key)
			art := Artifact{
				Key:      strings.TrimPrefix(objectKey, prefix),
				Location: "s3://" + s.bucket + "/" + objectKey,
				Size:     aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				art.CreatedAt = *obj.LastModified
			}
			arts = append(arts, art)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].Key < arts[j].Key })
	return arts, nil
}
