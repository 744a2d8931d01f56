package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	_ "golang.org/x/image/webp"

	"github.com/starford/speedynote/internal/models"
)

const (
	maxAssetSize   = 10 << 20 // 10 MB
	fetchTimeout   = 30 * time.Second
	maxRedirects   = 5
	metadataHost   = "metadata.google.internal"
	metadataIPAddr = "169.254.169.254"
)

// imageExt maps decoder format names and declared media types to the
// extension an asset is stored under.
var imageExt = map[string]string{
	"png": ".png", "image/png": ".png",
	"jpeg": ".jpg", "image/jpeg": ".jpg",
	"gif": ".gif", "image/gif": ".gif",
	"webp": ".webp", "image/webp": ".webp",
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

type uploadResult struct {
	ObjectID string `json:"objectId"`
	Surface  string `json:"surface"`
	Size     int    `json:"size"`
}

func (s *Server) uploadAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, err := surfaceArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var bounds models.Rect
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"x", &bounds.X}, {"y", &bounds.Y}, {"w", &bounds.W}, {"h", &bounds.H}} {
		if *f.dst, err = req.RequireFloat(f.name); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	if bounds.W <= 0 || bounds.H <= 0 {
		return mcp.NewToolResultError("w and h must be positive"), nil
	}

	src, err := fetchImage(ctx, rawURL)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := imageName(req.GetString("filename", ""), rawURL, src.format)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := s.svc.InsertImage(ctx, ref, bounds, name, src.data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to place image: %v", err)), nil
	}
	return jsonResult(uploadResult{ObjectID: id, Surface: ref.String(), Size: len(src.data)}), nil
}

// fetched is a downloaded or inlined image whose content decoded as format.
type fetched struct {
	data   []byte
	format string
}

// fetchImage loads rawURL, a base64 data URI or an http(s) URL, and checks
// that the bytes decode as a supported raster image.
func fetchImage(ctx context.Context, rawURL string) (fetched, error) {
	var (
		data     []byte
		declared string
		err      error
	)
	if rest, ok := strings.CutPrefix(rawURL, "data:"); ok {
		data, declared, err = decodeDataURI(rest)
	} else {
		data, declared, err = download(ctx, rawURL)
	}
	if err != nil {
		return fetched{}, err
	}
	if len(data) > maxAssetSize {
		return fetched{}, fmt.Errorf("file too large: %d bytes (max %d)", len(data), maxAssetSize)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fetched{}, fmt.Errorf("content is not a png, jpeg, gif or webp image: %w", err)
	}
	if want, ok := imageExt[declared]; ok && want != imageExt[format] {
		return fetched{}, fmt.Errorf("declared %s but content is %s", declared, format)
	}
	return fetched{data: data, format: format}, nil
}

// decodeDataURI parses the part of a data URI after "data:". Only base64
// payloads with an image media type are accepted.
func decodeDataURI(rest string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}
	mediaType, params, _ := strings.Cut(meta, ";")
	if !strings.Contains(params, "base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}
	if _, ok := imageExt[mediaType]; !ok {
		return nil, "", fmt.Errorf("unsupported media type in data URI: %q", mediaType)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}
	return data, mediaType, nil
}

// download fetches an http(s) URL, refusing loopback and cloud metadata
// hosts on every hop. It returns the body and its declared media type.
func download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme: %q (only http/https)", u.Scheme)
	}
	if err := checkBlockedHost(u.Hostname()); err != nil {
		return nil, "", err
	}

	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body failed: %w", err)
	}
	mediaType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return data, strings.TrimSpace(mediaType), nil
}

// checkBlockedHost rejects loopback and cloud metadata addresses.
func checkBlockedHost(host string) error {
	if host == metadataHost {
		return fmt.Errorf("blocked host: %s", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil //nolint:nilerr // DNS failures surface from the client
		}
		ip = ips[0]
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("blocked host: loopback address %s", host)
	case ip.Equal(net.ParseIP(metadataIPAddr)):
		return fmt.Errorf("blocked host: cloud metadata address %s", host)
	}
	return nil
}

// imageName picks the stored asset name: the caller's filename, else the
// last URL path segment, else a random one. The extension always follows
// the decoded format; a conflicting one is an error.
func imageName(filename, rawURL, format string) (string, error) {
	ext := imageExt[format]
	name := filename
	if name == "" && !strings.HasPrefix(rawURL, "data:") {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	name = strings.Trim(unsafeNameRe.ReplaceAllString(path.Base(name), "_"), "._")
	if name == "" {
		return uuid.NewString() + ext, nil
	}
	stem, given := name, strings.ToLower(path.Ext(name))
	if given != "" {
		stem = strings.TrimSuffix(name, path.Ext(name))
		if given == ".jpeg" {
			given = ".jpg"
		}
		if given != ext {
			return "", fmt.Errorf("filename extension %s does not match %s content", given, format)
		}
	}
	return stem + ext, nil
}
