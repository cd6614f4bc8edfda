// Package file implements connectors over delimited text, JSON, YAML and
// spreadsheet files read from local disk, HTTP(S) or S3-compatible storage.
package file

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

const httpTimeout = 60 * time.Second

// location is where a file source reads from, resolved from its params.
type location struct {
	path   string
	url    *url.URL
	bucket string
	key    string
}

func (l location) name() string {
	switch {
	case l.path != "":
		return filepath.Base(l.path)
	case l.key != "":
		return filepath.Base(l.key)
	case l.url != nil:
		base := filepath.Base(l.url.Path)
		if base == "." || base == "/" {
			return l.url.Host
		}
		return base
	}
	return ""
}

func (l location) String() string {
	switch {
	case l.path != "":
		return l.path
	case l.bucket != "":
		return "s3://" + l.bucket + "/" + l.key
	case l.url != nil:
		return l.url.Redacted()
	}
	return ""
}

func resolveLocation(p connector.Params) (location, error) {
	path := p.String("filePath")
	raw := p.String("url")
	if path == "" && raw == "" {
		return location{}, domain.NewError(domain.CodeMissingFilePath, "file path is required", nil)
	}
	if raw == "" && strings.HasPrefix(path, "s3://") {
		raw = path
		path = ""
	}
	if path != "" {
		return location{path: path}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return location{}, domain.NewError(domain.CodeInvalidOption, "invalid url", err)
	}
	switch u.Scheme {
	case "http", "https":
		return location{url: u}, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return location{}, domain.NewError(domain.CodeInvalidOption, "s3 url must be s3://bucket/key", nil)
		}
		return location{url: u, bucket: u.Host, key: key}, nil
	case "file":
		return location{path: u.Path}, nil
	default:
		return location{}, domain.NewError(domain.CodeInvalidOption, fmt.Sprintf("unsupported url scheme %q", u.Scheme), nil)
	}
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// opener resolves and opens file sources. The HTTP client and the S3 client
// constructor are replaceable in tests.
type opener struct {
	http *http.Client
	s3   func(p connector.Params) (*minio.Client, error)
}

func newOpener() *opener {
	return &opener{
		http: &http.Client{Timeout: httpTimeout},
		s3:   newS3Client,
	}
}

// source is an open file stream. Read returns decoded text; Consumed counts
// raw bytes read from the underlying stream.
type source struct {
	io.Reader
	counter *countingReader
	closer  io.Closer
	size    int64
	loc     location
}

func (s *source) Consumed() int64 { return s.counter.n }

func (s *source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (o *opener) open(ctx context.Context, p connector.Params) (*source, error) {
	loc, err := resolveLocation(p)
	if err != nil {
		return nil, err
	}
	enc, err := lookupEncoding(p.String("encoding"))
	if err != nil {
		return nil, domain.NewError(domain.CodeInvalidOption, err.Error(), nil)
	}

	var (
		rc   io.ReadCloser
		size int64 = -1
	)
	switch {
	case loc.path != "":
		f, err := os.Open(loc.path)
		if err != nil {
			return nil, domain.ConnectionError("open file", err)
		}
		if st, err := f.Stat(); err == nil {
			if st.IsDir() {
				f.Close()
				return nil, domain.NewError(domain.CodeInvalidOption, "file path is a directory", nil)
			}
			size = st.Size()
		}
		rc = f
	case loc.bucket != "":
		client, err := o.s3(p)
		if err != nil {
			return nil, domain.ConnectionError("create s3 client", err)
		}
		obj, err := client.GetObject(ctx, loc.bucket, loc.key, minio.GetObjectOptions{})
		if err != nil {
			return nil, domain.ConnectionError("get s3 object", err)
		}
		st, err := obj.Stat()
		if err != nil {
			obj.Close()
			return nil, domain.ConnectionError("stat s3 object", err)
		}
		size = st.Size
		rc = obj
	default:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.url.String(), nil)
		if err != nil {
			return nil, domain.NewError(domain.CodeInvalidOption, "invalid url", err)
		}
		for k, v := range p.StringMap("headers") {
			req.Header.Set(k, v)
		}
		resp, err := o.http.Do(req)
		if err != nil {
			return nil, domain.ConnectionError("fetch url", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, domain.ConnectionError(fmt.Sprintf("fetch url: unexpected status %d", resp.StatusCode), nil)
		}
		size = resp.ContentLength
		rc = resp.Body
	}

	counter := &countingReader{r: rc}
	var r io.Reader = counter
	if enc != nil {
		r = enc.NewDecoder().Reader(counter)
	}
	return &source{Reader: r, counter: counter, closer: rc, size: size, loc: loc}, nil
}

// probe checks that the source is reachable without reading it.
func (o *opener) probe(ctx context.Context, p connector.Params) (string, error) {
	loc, err := resolveLocation(p)
	if err != nil {
		return "", err
	}
	switch {
	case loc.path != "":
		st, err := os.Stat(loc.path)
		if err != nil {
			return "", domain.ConnectionError("stat file", err)
		}
		if st.IsDir() {
			return "", domain.NewError(domain.CodeInvalidOption, "file path is a directory", nil)
		}
		return fmt.Sprintf("local file, %d bytes", st.Size()), nil
	case loc.bucket != "":
		client, err := o.s3(p)
		if err != nil {
			return "", domain.ConnectionError("create s3 client", err)
		}
		st, err := client.StatObject(ctx, loc.bucket, loc.key, minio.StatObjectOptions{})
		if err != nil {
			return "", domain.ConnectionError("stat s3 object", err)
		}
		return fmt.Sprintf("s3 object, %d bytes", st.Size), nil
	default:
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, loc.url.String(), nil)
		if err != nil {
			return "", domain.NewError(domain.CodeInvalidOption, "invalid url", err)
		}
		for k, v := range p.StringMap("headers") {
			req.Header.Set(k, v)
		}
		resp, err := o.http.Do(req)
		if err != nil {
			return "", domain.ConnectionError("fetch url", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", domain.ConnectionError(fmt.Sprintf("fetch url: unexpected status %d", resp.StatusCode), nil)
		}
		return resp.Status, nil
	}
}

func newS3Client(p connector.Params) (*minio.Client, error) {
	endpoint := p.String("s3Endpoint")
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	useSSL := p.BoolOr("s3UseSSL", true)
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}
	opts := &minio.Options{Secure: useSSL, Region: p.String("s3Region")}
	if ak := p.String("s3AccessKey"); ak != "" {
		opts.Creds = credentials.NewStaticV4(ak, p.String("s3SecretKey"), "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}
	return minio.New(endpoint, opts)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
