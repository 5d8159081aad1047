package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/makeasinger/studio/internal/config"
)

// ObjectStore is the bucket surface the publisher needs. Keys are never
// overwritten once written, so a key that exists is already published.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	URL(key string) string
}

// R2Client stores published audio in a Cloudflare R2 bucket.
type R2Client struct {
	s3        *s3.Client
	bucket    string
	publicURL string
}

// NewR2Client creates an R2 client. Every credential and the bucket are
// required.
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	switch {
	case cfg.AccountID == "", cfg.AccessKeyID == "", cfg.SecretAccessKey == "":
		return nil, fmt.Errorf("R2 configuration incomplete")
	case cfg.BucketName == "":
		return nil, fmt.Errorf("R2 bucket name missing")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := "https://" + cfg.AccountID + ".r2.cloudflarestorage.com"
	return &R2Client{
		s3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}),
		bucket:    cfg.BucketName,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// Exists reports whether key is already in the bucket.
func (c *R2Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s in R2: %w", key, err)
}

// Put writes an immutable, publicly cacheable object.
func (c *R2Client) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         body,
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}

// URL returns the public URL for key, on the CDN domain when one is set.
func (c *R2Client) URL(key string) string {
	if c.publicURL != "" {
		return c.publicURL + "/" + key
	}
	return "https://" + c.bucket + ".r2.cloudflarestorage.com/" + key
}

// Publish copies a local file to key unless it is already there and
// returns its public URL. uploaded is false when the object existed.
func Publish(ctx context.Context, store ObjectStore, key, path, contentType string) (url string, uploaded bool, err error) {
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return "", false, err
	}
	if exists {
		return store.URL(key), false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := store.Put(ctx, key, f, contentType); err != nil {
		return "", false, err
	}
	return store.URL(key), true, nil
}

// SongKey returns the object key for an owner's audio file.
func SongKey(ownerID, name string) string {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		owner = "anonymous"
	}
	return "songs/" + owner + "/" + name
}
