package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// ObjectAPI is the slice of the S3 client the uploader uses. *s3.Client satisfies it.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config points at an S3-compatible bucket. Endpoint is required for R2 / MinIO and switches to path-style addressing.
type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client builds an aws-sdk-go-v2 S3 client. Static credentials are used when both keys are set,
// otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "auto"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

var ErrNoBucket = staticErr("backup bucket not configured")

type Uploader struct {
	api    ObjectAPI
	bucket string
	clock  clockwork.Clock
	logger *zap.Logger
}

type Option func(*options)

type options struct {
	clock  clockwork.Clock
	logger *zap.Logger
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewUploader(api ObjectAPI, bucket string, opts ...Option) (*Uploader, error) {
	if api == nil {
		return nil, errors.New("backup: nil object api")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, ErrNoBucket
	}
	o := buildOptions(opts)
	return &Uploader{api: api, bucket: bucket, clock: o.clock, logger: o.logger}, nil
}

// Upload stores snap as a new object and returns its key. Existing objects are never overwritten.
func (u *Uploader) Upload(ctx context.Context, snap *domain.Snapshot) (string, error) {
	if snap == nil || snap.Match == nil {
		return "", ErrInvalidDocument
	}
	now := u.clock.Now()
	doc := NewDocument(snap, now)
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	key := ObjectKey(doc, now)
	_, err = u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return "", fmt.Errorf("upload backup %s: %w", key, err)
	}
	u.logger.Info("backup_uploaded",
		zap.String("match_id", doc.Match.ID),
		zap.String("key", key),
		zap.Int("bytes", len(body)),
	)
	return key, nil
}

// List returns the backups of one game, newest first. Names outside the naming
// scheme are kept and ordered by their modification time.
func (u *Uploader) List(ctx context.Context, gameKey string) ([]Entry, error) {
	gameKey = sanitizeKey(gameKey)
	if gameKey == "" {
		return nil, fmt.Errorf("%w: empty game key", ErrInvalidDocument)
	}
	prefix := Folder(gameKey) + "/"
	pager := s3.NewListObjectsV2Paginator(u.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(prefix),
	})

	var out []Entry
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			e, _ := ParseName(name)
			e.Key = key
			e.Size = aws.ToInt64(obj.Size)
			e.Modified = aws.ToTime(obj.LastModified)
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].when(), out[j].when()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

func (e Entry) when() time.Time {
	if e.Parsed {
		return e.TakenAt
	}
	return e.Modified
}

// Fetch downloads and decodes one backup.
func (u *Uploader) Fetch(ctx context.Context, key string) (*Document, error) {
	if strings.TrimSpace(key) == "" || !strings.HasPrefix(key, rootPrefix+"/") {
		return nil, fmt.Errorf("%w: key %q", ErrInvalidDocument, key)
	}
	res, err := u.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch backup %s: %w", key, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", key, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	doc.Normalize()
	return &doc, nil
}
