package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"

	"seqvault/internal/bytesize"
)

const (
	defaultS3Region         = "us-east-1"
	defaultS3ConnectTimeout = 60 * time.Second
	defaultS3ChunkSize      = 32 * bytesize.MiB
	defaultS3Concurrency    = 10

	// Ranged GETs are retried on timeout flavored failures only.
	maxFetchAttempts    = 10
	fetchInitialBackoff = 100 * time.Millisecond
	fetchMaxBackoff     = 2 * time.Second
)

// s3Backend stores objects in a single bucket with flat decimal ids as
// keys.
type s3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func newS3Backend(ctx context.Context, c S3Conf) (*s3Backend, error) {
	if c.Bucket == "" {
		return nil, errors.New("storage: s3 bucket not configured")
	}

	region := c.Region
	if region == "" {
		region = defaultS3Region
	}
	chunkSize := c.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultS3ChunkSize
	}
	concurrency := c.Concurrency
	if concurrency == 0 {
		concurrency = defaultS3Concurrency
	}

	httpClient, err := newS3HTTPClient(c)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKey,
			c.SecretKey,
			"",
		)),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.URL != "" {
			o.BaseEndpoint = aws.String(c.URL)
		}
		o.UsePathStyle = c.PathStyle
	})

	b := &s3Backend{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = chunkSize.Int64()
			u.Concurrency = concurrency
		}),
		bucket: c.Bucket,
	}

	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

// newS3HTTPClient builds the HTTP client carrying the optional CA bundle,
// client certificate and connect timeout.
func newS3HTTPClient(c S3Conf) (*awshttp.BuildableClient, error) {
	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = defaultS3ConnectTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.CACert != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("storage: read s3 ca bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("storage: no certificates in %s", c.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	if c.ClientCert != "" && c.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("storage: load s3 client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return awshttp.NewBuildableClient().
		WithTimeout(timeout).
		WithTransportOptions(func(tr *http.Transport) {
			tr.TLSClientConfig = tlsConfig
		}), nil
}

// ensureBucket creates the bucket, treating an already existing one as
// success.
func (b *s3Backend) ensureBucket(ctx context.Context) error {
	log.Debugf("creating %q bucket", b.bucket)
	_, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			log.Debugf("bucket %q already present", b.bucket)
			return nil
		}
		return fmt.Errorf("storage: create bucket %q: %w", b.bucket, err)
	}
	return nil
}

// Location is the flat decimal id; S3 needs no directory fan out.
func (b *s3Backend) Location(fileID int64) string {
	return strconv.FormatInt(fileID, 10)
}

func (b *s3Backend) Exists(ctx context.Context, path string) bool {
	_, err := b.head(ctx, path)
	return err == nil
}

func (b *s3Backend) FileSize(ctx context.Context, path string) (int64, error) {
	return b.head(ctx, path)
}

func (b *s3Backend) head(ctx context.Context, path string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return 0, fmt.Errorf("storage: head %s: %w", path, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// NewFileReader returns a seekable reader over the object. Ranges are
// fetched on demand so the verify stage can rewind without re-downloading.
func (b *s3Backend) NewFileReader(ctx context.Context, path string) (io.ReadSeekCloser, error) {
	size, err := b.head(ctx, path)
	if err != nil {
		return nil, err
	}
	return newObjectReader(size, func(start, end int64) ([]byte, error) {
		return b.fetchRange(ctx, path, start, end)
	}), nil
}

// Copy uploads src to path and returns the stored object size reported by
// the backend. Uploads exceeding the configured chunk size are sent as
// concurrent multipart uploads.
func (b *s3Backend) Copy(ctx context.Context, src io.Reader, path string) (int64, error) {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
		Body:   src,
	})
	if err != nil {
		return 0, fmt.Errorf("storage: upload %s: %w", path, err)
	}
	return b.head(ctx, path)
}

// fetchRange downloads [start, end) with bounded retries. The S3 SDKs
// surface timeouts under shifting error types, so retry eligibility is
// decided by error text.
func (b *s3Backend) fetchRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	rng := fmt.Sprintf("bytes=%d-%d", start, end-1)

	var lastErr error
	backoff := fetchInitialBackoff
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		data, err := b.getRange(ctx, path, rng)
		if err == nil {
			return data, nil
		}
		if !timeoutish(err) {
			return nil, fmt.Errorf("storage: get %s range %s: %w", path, rng, err)
		}
		log.Debugf("retrying ranged get of %s (%s): %v", path, rng, err)
		lastErr = err

		time.Sleep(backoff)
		backoff *= 2
		if backoff > fetchMaxBackoff {
			backoff = fetchMaxBackoff
		}
	}

	return nil, fmt.Errorf("storage: get %s range %s: retries exhausted: %w", path, rng, lastErr)
}

func (b *s3Backend) getRange(ctx context.Context, path, rng string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
		Range:  aws.String(rng),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func timeoutish(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "time")
}

// fetchFunc returns the object bytes in [start, end).
type fetchFunc func(start, end int64) ([]byte, error)

// objectReader adapts on demand range fetches into an io.ReadSeekCloser.
// Seeking past the end is allowed; the following read reports io.EOF.
type objectReader struct {
	fetch  fetchFunc
	size   int64
	loc    int64
	closed bool
}

func newObjectReader(size int64, fetch fetchFunc) *objectReader {
	return &objectReader{fetch: fetch, size: size}
}

func (r *objectReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	if r.loc >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := min(r.loc+int64(len(p)), r.size)
	out, err := r.fetch(r.loc, end)
	if err != nil {
		return 0, err
	}

	n := copy(p, out)
	r.loc += int64(n)
	return n, nil
}

func (r *objectReader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, os.ErrClosed
	}

	var nloc int64
	switch whence {
	case io.SeekStart:
		nloc = offset
	case io.SeekCurrent:
		nloc = r.loc + offset
	case io.SeekEnd:
		nloc = r.size + offset
	default:
		return 0, fmt.Errorf("storage: invalid whence %d", whence)
	}
	if nloc < 0 {
		return 0, errors.New("storage: seek before start of object")
	}

	r.loc = nloc
	return r.loc, nil
}

func (r *objectReader) Close() error {
	r.closed = true
	return nil
}
