package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/respondoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Source = (*s3Source)(nil)

type s3Source struct {
	log    logrus.FieldLogger
	client *s3.Client
	bucket string
	prefix string
	lister
}

func newS3Source(
	log logrus.FieldLogger, cfg *config.S3SourceConfig, l lister,
) *s3Source {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &s3Source{
		log:    log.WithField("component", "source").WithField("bucket", cfg.Bucket),
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
		prefix: prefix,
		lister: l,
	}
}

// commonPrefixes returns the child "directory" names directly under
// prefix.
func (s *s3Source) commonPrefixes(
	ctx context.Context, prefix string,
) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(
		s.client, &s3.ListObjectsV2Input{
			Bucket:    aws.String(s.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		},
	)

	var names []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing prefixes under %q: %w", prefix, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil {
				names = append(names, path.Base(strings.TrimRight(*cp.Prefix, "/")))
			}
		}
	}

	return names, nil
}

// objects returns the object keys directly under prefix.
func (s *s3Source) objects(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(
		s.client, &s3.ListObjectsV2Input{
			Bucket:    aws.String(s.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		},
	)

	var keys []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	return keys, nil
}

// ListLogs implements Source.
func (s *s3Source) ListLogs(
	ctx context.Context, start, end time.Time,
) ([]LogRef, error) {
	dirs := s.dirs
	if len(dirs) == 0 {
		all, err := s.commonPrefixes(ctx, s.prefix)
		if err != nil {
			return nil, err
		}

		dirs = all
	}

	var refs []LogRef

	for _, dir := range dirs {
		s.log.WithField("dir", dir).Debug("Searching build directory")

		builds, err := s.commonPrefixes(ctx, s.prefix+dir+"/")
		if err != nil {
			return nil, err
		}

		for _, build := range builds {
			buildTime, ok := parseBuildTime(build)
			if !ok || !inRange(buildTime, start, end) {
				continue
			}

			keys, err := s.objects(ctx, s.prefix+dir+"/"+build+"/")
			if err != nil {
				return nil, err
			}

			for _, key := range keys {
				name := path.Base(key)
				if !s.pattern.MatchString(name) {
					continue
				}

				refs = append(refs, LogRef{
					Dir:       dir,
					BuildTime: buildTime,
					Name:      name,
					Key:       key,
				})
			}
		}
	}

	sortRefs(refs)

	return refs, nil
}

// Fetch implements Source.
func (s *s3Source) Fetch(
	ctx context.Context, ref LogRef, dir string,
) (string, error) {
	dst := filepath.Join(dir, ref.Name)

	err := withRetry(ctx, s.log, s.attempts, s.delay, ref.Key, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(ref.Key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return retry.Unrecoverable(fmt.Errorf("object %q not found", ref.Key))
			}

			return err
		}

		defer func() { _ = out.Body.Close() }()

		return writeFile(dst, out.Body)
	})
	if err != nil {
		_ = os.Remove(dst)

		return "", fmt.Errorf("fetching s3://%s/%s: %w", s.bucket, ref.Key, err)
	}

	return dst, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.S3SourceConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
