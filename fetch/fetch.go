// Package fetch downloads model and dataset artefacts over HTTP, from S3 compatible object stores
// and from the Hugging Face hub.
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ErrChecksum is returned if a downloaded file does not match the expected digest.
var ErrChecksum = errors.New("checksum mismatch")

// Options for retrieving files.
type Options struct {
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Insecure  bool
	Client      *http.Client
	Log         *zap.SugaredLogger
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Log == nil {
		return zap.NewNop().Sugar()
	}
	return o.Log
}

// File copies the resource at rawURL to dest. Supported schemes are http, https, s3 and file.
// S3 URLs are of the form s3://bucket/key. The file is written to a temporary name and renamed
// once complete so a partial download never appears at dest.
func File(ctx context.Context, rawURL, dest string, opts Options) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	log := opts.logger()
	tmp := dest + ".part"
	log.Infow("downloading", "url", rawURL, "dest", dest)
	switch u.Scheme {
	case "http", "https":
		err = httpGet(ctx, opts.Client, rawURL, tmp)
	case "s3":
		err = s3Get(ctx, opts, u.Host, strings.TrimPrefix(u.Path, "/"), tmp)
	case "file", "":
		err = copyFile(u.Path, tmp)
	default:
		err = fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return os.Rename(tmp, dest)
}

func httpGet(ctx context.Context, client *http.Client, rawURL, dest string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %s", resp.Status)
	}
	return writeFile(dest, resp.Body)
}

func s3Get(ctx context.Context, opts Options, bucket, key, dest string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("s3 url must have bucket and key")
	}
	endpoint := opts.S3Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.S3AccessKey, opts.S3SecretKey, ""),
		Secure: !opts.S3Insecure,
	})
	if err != nil {
		return err
	}
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()
	return writeFile(dest, obj)
}

func copyFile(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeFile(dest, f)
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MD5 returns the hex encoded md5 digest of the file.
func MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyMD5 checks the file digest. An empty want string skips the check.
func VerifyMD5(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := MD5(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: %s has md5 %s expecting %s", ErrChecksum, filepath.Base(path), got, want)
	}
	return nil
}
