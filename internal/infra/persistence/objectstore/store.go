// Package objectstore keeps entity snapshots as JSON objects in an
// S3-compatible bucket (AWS S3 or MinIO).
//
// Layout under the configured prefix:
//
//	entities/<reference>.json   snapshot payload, type and version in metadata
//	types/<type>/<reference>    empty marker used by FindReferences
//
// Object storage has no multi-key transactions. ApplyChanges validates every
// expected version before writing anything and is serialized within the
// process; concurrent writers in other processes are not fenced. When a write
// fails part way, the objects already written are restored to their validated
// snapshots before the error is returned.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"entitycore/pkg/domain"
)

var (
	_ domain.EntityStore  = (*Store)(nil)
	_ domain.EntityFinder = (*Store)(nil)
)

const (
	defaultRegion = "us-east-1"
	contentType   = "application/json"

	metaType    = "entity-type"
	metaVersion = "entity-version"
)

// Config holds explicit construction parameters.
type Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional; enables a custom endpoint such as MinIO
	PathStyle bool
	Prefix    string // optional key prefix, e.g. "tenant-a/"
}

// Store implements domain.EntityStore over a single bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	mu     sync.Mutex
}

// Environment variables read by OpenFromEnv:
//
//	ENTITYCORE_OBJECTSTORE_BUCKET=<bucket> (required)
//	ENTITYCORE_OBJECTSTORE_REGION=<region> (default us-east-1)
//	ENTITYCORE_OBJECTSTORE_ENDPOINT=<url> (optional)
//	ENTITYCORE_OBJECTSTORE_PATH_STYLE=true|false
//	ENTITYCORE_OBJECTSTORE_PREFIX=<prefix>
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New builds a store using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// OpenFromEnv constructs a store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("ENTITYCORE_OBJECTSTORE_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ENTITYCORE_OBJECTSTORE_BUCKET required for s3 driver")
	}
	return New(ctx, Config{
		Bucket:    bucket,
		Region:    os.Getenv("ENTITYCORE_OBJECTSTORE_REGION"),
		Endpoint:  os.Getenv("ENTITYCORE_OBJECTSTORE_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("ENTITYCORE_OBJECTSTORE_PATH_STYLE"), "true"),
		Prefix:    os.Getenv("ENTITYCORE_OBJECTSTORE_PREFIX"),
	})
}

// NewWithClient wraps a preconfigured client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string { return s.bucket }

func (s *Store) entityKey(ref domain.EntityReference) string {
	return s.prefix + "entities/" + string(ref) + ".json"
}

func (s *Store) typePrefix(entityType string) string {
	return s.prefix + "types/" + entityType + "/"
}

// Fetch implements domain.EntityStore.
func (s *Store) Fetch(ctx context.Context, ref domain.EntityReference) (domain.EntitySnapshot, error) {
	snap, found, err := s.load(ctx, ref)
	if err != nil {
		return domain.EntitySnapshot{}, err
	}
	if !found {
		return domain.EntitySnapshot{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, ref)
	}
	return snap, nil
}

func (s *Store) load(ctx context.Context, ref domain.EntityReference) (domain.EntitySnapshot, bool, error) {
	key := s.entityKey(ref)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return domain.EntitySnapshot{}, false, nil
		}
		return domain.EntitySnapshot{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return domain.EntitySnapshot{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	snap, err := domain.UnmarshalSnapshot(data)
	if err != nil {
		return domain.EntitySnapshot{}, false, err
	}
	return snap, true, nil
}

// ApplyChanges implements domain.EntityStore.
func (s *Store) ApplyChanges(ctx context.Context, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}
	payloads := make([][]byte, len(changes))
	for i, c := range changes {
		if c.Kind == domain.ChangeRemove {
			continue
		}
		if c.Snapshot == nil {
			return fmt.Errorf("%w: %s change for %s has no snapshot", domain.ErrIllegalArgument, c.Kind, c.Reference)
		}
		data, err := domain.MarshalSnapshot(*c.Snapshot)
		if err != nil {
			return fmt.Errorf("encode %s: %w", c.Reference, err)
		}
		payloads[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []domain.EntityReference
	prior := make([]*domain.EntitySnapshot, len(changes))
	for i, c := range changes {
		current, exists, err := s.load(ctx, c.Reference)
		if err != nil {
			return err
		}
		if !c.Satisfied(current.Version, exists) {
			conflicts = append(conflicts, c.Reference)
		}
		if exists {
			prior[i] = &current
		}
	}
	if len(conflicts) > 0 {
		return domain.NewVersionConflictError(conflicts)
	}

	for i, c := range changes {
		if err := s.write(ctx, c, payloads[i]); err != nil {
			err = fmt.Errorf("apply %s %s: %w", c.Kind, c.Reference, err)
			if rbErr := s.rollback(ctx, changes[:i+1], prior); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return err
		}
	}
	return nil
}

// rollback restores the objects touched by applied, newest first, to the
// snapshots read during validation. A failed change may have been half
// written, so it is rolled back too.
func (s *Store) rollback(ctx context.Context, applied []domain.Change, prior []*domain.EntitySnapshot) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		c := applied[i]
		if prior[i] == nil {
			undo := domain.Change{Kind: domain.ChangeRemove, Reference: c.Reference, EntityType: c.EntityType}
			if err := s.write(ctx, undo, nil); err != nil {
				errs = append(errs, fmt.Errorf("rollback %s: %w", c.Reference, err))
			}
			continue
		}
		data, err := domain.MarshalSnapshot(*prior[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", c.Reference, err))
			continue
		}
		// Create also restores the type marker removed by a remove change.
		restore := domain.Change{Kind: domain.ChangeCreate, Reference: c.Reference, EntityType: prior[i].EntityType, Snapshot: prior[i]}
		if err := s.write(ctx, restore, data); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", c.Reference, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) write(ctx context.Context, c domain.Change, payload []byte) error {
	key := s.entityKey(c.Reference)
	marker := s.typePrefix(c.EntityType) + string(c.Reference)
	if c.Kind == domain.ChangeRemove {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
			return err
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &marker})
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			metaType:    c.EntityType,
			metaVersion: c.Snapshot.Version,
		},
	})
	if err != nil {
		return err
	}
	if c.Kind != domain.ChangeCreate {
		return nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &s.bucket, Key: &marker, Body: bytes.NewReader(nil)})
	return err
}

// FindReferences implements domain.EntityFinder.
func (s *Store) FindReferences(ctx context.Context, entityType string) ([]domain.EntityReference, error) {
	prefix := s.typePrefix(entityType)
	var refs []domain.EntityReference
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name != "" && !strings.Contains(name, "/") {
				refs = append(refs, domain.EntityReference(name))
			}
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	slices.Sort(refs)
	return refs, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
