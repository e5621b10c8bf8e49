package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

const defaultHTTPTimeout = 60 * time.Second

// OpenOptions tunes Open.
type OpenOptions struct {
	// Encoding names the input character set ("windows-1250", "latin2", ...).
	// Empty or "utf-8" means no decoding.
	Encoding string

	// Timeout bounds an http(s) fetch, in seconds. Zero means 60s.
	Timeout int

	// Client is used for http(s) paths. Nil means http.DefaultClient.
	Client *http.Client

	// Stdin replaces os.Stdin for the "-" path.
	Stdin io.Reader
}

// Open returns a UTF-8 stream for path: "-" reads stdin, http(s) URLs are
// fetched with GET, anything else is a file.
func Open(ctx context.Context, path string, opt OpenOptions) (io.ReadCloser, error) {
	rc, err := openRaw(ctx, path, opt)
	if err != nil {
		return nil, err
	}
	return decode(rc, opt.Encoding)
}

func openRaw(ctx context.Context, path string, opt OpenOptions) (io.ReadCloser, error) {
	switch {
	case path == "-":
		in := opt.Stdin
		if in == nil {
			in = os.Stdin
		}
		return io.NopCloser(in), nil

	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return fetch(ctx, path, opt)

	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		return f, nil
	}
}

// fetch GETs url. Non-2xx responses become errors carrying up to 4KB of the
// body for debugging.
func fetch(ctx context.Context, url string, opt OpenOptions) (io.ReadCloser, error) {
	client := opt.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := defaultHTTPTimeout
	if opt.Timeout > 0 {
		timeout = time.Duration(opt.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "batchload/1.0")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("http get: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose releases the fetch deadline together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func decode(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return rc, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("source encoding %q: %w", name, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: enc.NewDecoder().Reader(rc), Closer: rc}, nil
}
