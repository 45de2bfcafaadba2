// Package objstore owns all object storage operations. Telemetry producers
// drop OTLP JSON envelopes into a bucket; the loader discovers and fetches
// them through this package. Works against S3 and MinIO.
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/pkg/fn"
)

// InventoryKey is the optional service inventory object at the bucket root.
const InventoryKey = "metadata.json"

// Options configures a Store.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	// PathStyle must be true for MinIO and other non-AWS endpoints.
	PathStyle bool
	// MaxRPS paces API calls. Zero disables pacing.
	MaxRPS float64
}

// Store is the sole owner of S3 operations for one bucket.
// Each pipeline worker opens its own Store; instances are not shared.
type Store struct {
	client  *s3.Client
	bucket  string
	limiter *rate.Limiter
}

// New creates a Store for the configured bucket.
func New(ctx context.Context, opts Options) (*Store, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	st := &Store{client: client, bucket: opts.Bucket}
	if opts.MaxRPS > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), 1)
	}
	return st, nil
}

func (s *Store) pace(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// ListJSON enumerates all .json object keys under prefix, in key order.
// Non-JSON objects are ignored.
func (s *Store) ListJSON(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		if err := s.pace(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: list %s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	keys = fn.Filter(keys, func(k string) bool { return strings.HasSuffix(k, ".json") })
	sort.Strings(keys)
	return keys, nil
}

// Fetch reads one object in full.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// ServiceInventory reads the optional metadata.json service inventory.
// Returns domain.ErrNoInventory when the object does not exist.
func (s *Store) ServiceInventory(ctx context.Context) ([]string, error) {
	data, err := s.Fetch(ctx, InventoryKey)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, domain.ErrNoInventory
		}
		return nil, err
	}

	var inv struct {
		Services []string `json:"services"`
	}
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("objstore: parse %s: %w", InventoryKey, err)
	}
	services := fn.Unique(inv.Services)
	sort.Strings(services)
	return services, nil
}
