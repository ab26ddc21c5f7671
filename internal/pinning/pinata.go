package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

const DefaultPinataURL = "https://api.pinata.cloud"

// Remote is the single write endpoint of the pinning network.
type Remote interface {
	PinFile(ctx context.Context, name string, payload []byte) (string, error)
	IsPinned(ctx context.Context, contentID string) (bool, error)
	Unpin(ctx context.Context, contentID string) error
	Usage(ctx context.Context) (count int, size int64, err error)
}

// StatusError is a non-2xx response from a pinning or gateway endpoint.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.URL, e.Code, e.Body)
}

// Pinata speaks the Pinata pinning API.
type Pinata struct {
	base   string
	key    string
	secret string
	http   *http.Client
}

func NewPinata(baseURL, apiKey, apiSecret string, client *http.Client) *Pinata {
	if baseURL == "" {
		baseURL = DefaultPinataURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Pinata{base: strings.TrimRight(baseURL, "/"), key: apiKey, secret: apiSecret, http: client}
}

func (p *Pinata) do(req *http.Request, out any) error {
	req.Header.Set("pinata_api_key", p.key)
	req.Header.Set("pinata_secret_api_key", p.secret)
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: req.URL.Path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (p *Pinata) PinFile(ctx context.Context, name string, payload []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(payload); err != nil {
		return "", err
	}
	meta, _ := json.Marshal(map[string]any{"name": name})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return "", err
	}
	if err := w.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := p.do(req, &out); err != nil {
		return "", err
	}
	if out.IpfsHash == "" {
		return "", fmt.Errorf("pin response missing IpfsHash")
	}
	return out.IpfsHash, nil
}

type pinList struct {
	Count int `json:"count"`
	Rows  []struct {
		Hash string `json:"ipfs_pin_hash"`
		Size int64  `json:"size"`
	} `json:"rows"`
}

func (p *Pinata) IsPinned(ctx context.Context, contentID string) (bool, error) {
	q := url.Values{"hashContains": {contentID}, "status": {"pinned"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/data/pinList?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	var out pinList
	if err := p.do(req, &out); err != nil {
		return false, err
	}
	return out.Count > 0, nil
}

func (p *Pinata) Unpin(ctx context.Context, contentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.base+"/pinning/unpin/"+url.PathEscape(contentID), nil)
	if err != nil {
		return err
	}
	return p.do(req, nil)
}

func (p *Pinata) Usage(ctx context.Context) (int, int64, error) {
	q := url.Values{"status": {"pinned"}, "pageLimit": {"1000"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/data/pinList?"+q.Encode(), nil)
	if err != nil {
		return 0, 0, err
	}
	var out pinList
	if err := p.do(req, &out); err != nil {
		return 0, 0, err
	}
	var size int64
	for _, r := range out.Rows {
		size += r.Size
	}
	return out.Count, size, nil
}
