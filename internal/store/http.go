package store

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/pgzip"

	"github.com/entwine-project/entwine/internal/errs"
)

// HTTP is a generic HTTP blob-store backend: keys map to GET/PUT against
// baseURL+"/"+key. Bodies are optionally gzip content-encoded to reduce
// transfer size for chunk payloads that aren't already compressed (the
// "binary" dataType).
type HTTP struct {
	Client  *http.Client
	BaseURL string
	Gzip    bool
}

func NewHTTP(baseURL string, gzipContent bool) *HTTP {
	return &HTTP{Client: http.DefaultClient, BaseURL: strings.TrimRight(baseURL, "/"), Gzip: gzipContent}
}

func (h *HTTP) url(key string) string { return h.BaseURL + "/" + key }

func (h *HTTP) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(key), nil)
	if err != nil {
		return nil, errs.Io("build http get", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, errs.Io("http get "+key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Io("http get "+key, io.ErrUnexpectedEOF)
	}
	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := pgzip.NewReader(resp.Body)
		if err != nil {
			return nil, errs.Io("gunzip "+key, err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

func (h *HTTP) Put(ctx context.Context, key string, data []byte) error {
	body := data
	encoding := ""
	if h.Gzip {
		var buf bytes.Buffer
		gz := pgzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return errs.Io("gzip "+key, err)
		}
		if err := gz.Close(); err != nil {
			return errs.Io("gzip close "+key, err)
		}
		body = buf.Bytes()
		encoding = "gzip"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.url(key), bytes.NewReader(body))
	if err != nil {
		return errs.Io("build http put", err)
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return errs.Io("http put "+key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errs.Io("http put "+key, io.ErrUnexpectedEOF)
	}
	return nil
}

func (h *HTTP) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url(key), nil)
	if err != nil {
		return false, errs.Io("build http head", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return false, errs.Io("http head "+key, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
