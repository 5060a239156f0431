package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/shinylive-postrender/internal/log"
	"github.com/keithlinneman/shinylive-postrender/internal/xerrors"
)

const (
	SourceDir   = "dir"
	SourceCache = "cache"
	SourceHTTPS = "https"
	SourceS3    = "s3"
)

// Fetcher opens a bundle archive by file name. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (body io.ReadCloser, size int64, err error)
	// Source names the origin for logs and metrics
	Source() string
}

// HTTPFetcher downloads archives from a URL template. {version} and {name}
// are substituted per request.
type HTTPFetcher struct {
	Client      *http.Client
	URLTemplate string
	Version     string
	UserAgent   string
}

// NewHTTPFetcher returns a fetcher whose client transport is traced
func NewHTTPFetcher(urlTemplate, version, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   15 * time.Minute,
		},
		URLTemplate: urlTemplate,
		Version:     version,
		UserAgent:   userAgent,
	}
}

func (f *HTTPFetcher) Source() string { return SourceHTTPS }

// URL expands the template for name
func (f *HTTPFetcher) URL(name string) string {
	return strings.NewReplacer("{version}", f.Version, "{name}", name).Replace(f.URLTemplate)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	u := f.URL(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, xerrors.Wrapf(err, "build request for %s", u)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, xerrors.Wrapf(err, "GET %s", u)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, 0, xerrors.Newf("GET %s: unexpected status %s", u, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// S3API is the subset of the S3 client used here
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads archives mirrored at s3://{Bucket}/{Prefix}/{name}
type S3Fetcher struct {
	Client S3API
	Bucket string
	Prefix string
}

func (f *S3Fetcher) Source() string { return SourceS3 }

// Key returns the object key for name
func (f *S3Fetcher) Key(name string) string {
	prefix := strings.Trim(f.Prefix, "/")
	if prefix != "" {
		return prefix + "/" + name
	}
	return name
}

func (f *S3Fetcher) Fetch(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if f.Client == nil {
		return nil, 0, xerrors.New("s3 fetcher: client is nil")
	}
	key := f.Key(name)
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, xerrors.Wrapf(err, "get S3 object s3://%s/%s", f.Bucket, key)
	}
	if out.Body == nil {
		return nil, 0, xerrors.Newf("S3 object s3://%s/%s has no body", f.Bucket, key)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// LoadAWSConfig loads the default AWS config chain (env, shared files, IMDS)
func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	return cfg, nil
}

// progressReader logs download progress at most once per interval
type progressReader struct {
	ctx    context.Context
	r      io.Reader
	logger log.Logger
	name   string
	total  int64
	n      int64
	every  *rate.Sometimes
}

func newProgressReader(ctx context.Context, r io.Reader, logger log.Logger, name string, total int64, interval time.Duration) *progressReader {
	return &progressReader{
		ctx:    ctx,
		r:      r,
		logger: logger,
		name:   name,
		total:  total,
		every:  &rate.Sometimes{Interval: interval},
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if n > 0 {
		p.every.Do(p.report)
	}
	return n, err
}

func (p *progressReader) report() {
	kv := []any{"archive", p.name, "bytes", p.n}
	if p.total > 0 {
		kv = append(kv, "total_bytes", p.total, "percent", fmt.Sprintf("%.1f", float64(p.n)*100/float64(p.total)))
	}
	p.logger.Info(p.ctx, "downloading asset bundle", kv...)
}
