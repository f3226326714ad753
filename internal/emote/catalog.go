// Package emote lists and uploads the images chat messages may reference.
package emote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/beech80/clipt-sub000/pkg/storage"
)

const globalScope = "global"

// MaxImageSize bounds a server-side emote upload.
const MaxImageSize = 1 << 20

var (
	ErrInvalidCode     = errors.New("emote code must be 2-32 letters, digits or underscores")
	ErrUnsupportedType = errors.New("emote images must be png, gif or webp")
	ErrTooLarge        = errors.New("emote images must be at most 1 MiB")
	ErrNotFound        = errors.New("emote not found")
	codePattern        = regexp.MustCompile(`^[A-Za-z0-9_]{2,32}$`)
	extensionsByType   = map[string]string{"image/png": ".png", "image/gif": ".gif", "image/webp": ".webp"}
)

// Emote is a named image usable in chat.
type Emote struct {
	Code   string `json:"code"`
	URL    string `json:"url"`
	Global bool   `json:"global"`
}

// Catalog reads emotes from object storage: global ones under
// emotes/global/ and per-stream ones under emotes/{stream_id}/.
type Catalog struct {
	store  storage.Storage
	urlTTL time.Duration
}

func NewCatalog(store storage.Storage, urlTTL time.Duration) *Catalog {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &Catalog{store: store, urlTTL: urlTTL}
}

func prefix(scope string) string {
	return "emotes/" + scope + "/"
}

// List returns the emotes available in streamID sorted by code. A stream
// emote shadows a global one with the same code.
func (c *Catalog) List(ctx context.Context, streamID string) ([]Emote, error) {
	byCode := make(map[string]Emote)
	for _, scope := range []string{globalScope, streamID} {
		files, err := c.store.List(ctx, prefix(scope))
		if err != nil {
			return nil, fmt.Errorf("list %s emotes: %w", scope, err)
		}
		for _, f := range files {
			code := strings.TrimSuffix(path.Base(f.Key), path.Ext(f.Key))
			if !codePattern.MatchString(code) {
				continue
			}
			url, err := c.store.GetURL(ctx, f.Key, c.urlTTL)
			if err != nil {
				return nil, fmt.Errorf("emote url %s: %w", f.Key, err)
			}
			byCode[code] = Emote{Code: code, URL: url, Global: scope == globalScope}
		}
	}

	out := make([]Emote, 0, len(byCode))
	for _, e := range byCode {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Upload is a presigned target for a client-side emote upload.
type Upload struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UploadURL presigns a PUT for a stream emote. Drivers without presigning
// return storage.ErrUploadUnsupported.
func (c *Catalog) UploadURL(ctx context.Context, streamID, code, contentType string) (*Upload, error) {
	key, err := streamKey(streamID, code, contentType)
	if err != nil {
		return nil, err
	}
	url, err := c.store.GetUploadURL(ctx, key, contentType, c.urlTTL)
	if err != nil {
		return nil, err
	}
	return &Upload{Key: key, URL: url, ExpiresAt: time.Now().Add(c.urlTTL)}, nil
}

func streamKey(streamID, code, contentType string) (string, error) {
	if !codePattern.MatchString(code) {
		return "", ErrInvalidCode
	}
	ext, ok := extensionsByType[contentType]
	if !ok {
		return "", ErrUnsupportedType
	}
	return prefix(streamID) + code + ext, nil
}

// Put stores a stream emote through the server, for drivers that cannot
// presign. Any other image with the same code is replaced.
func (c *Catalog) Put(ctx context.Context, streamID, code, contentType string, r io.Reader) (*Emote, error) {
	key, err := streamKey(streamID, code, contentType)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	var tooBig *http.MaxBytesError
	if len(data) > MaxImageSize || errors.As(err, &tooBig) {
		return nil, ErrTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("read emote: %w", err)
	}
	if err := c.store.Write(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("store emote %s: %w", key, err)
	}
	for _, other := range extensionsByType {
		if stale := prefix(streamID) + code + other; stale != key {
			if err := c.store.Delete(ctx, stale); err != nil {
				return nil, fmt.Errorf("replace emote %s: %w", stale, err)
			}
		}
	}
	url, err := c.store.GetURL(ctx, key, c.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("emote url %s: %w", key, err)
	}
	return &Emote{Code: code, URL: url}, nil
}

// Remove deletes a stream emote in whatever format it was stored. Global
// emotes cannot be removed through a stream.
func (c *Catalog) Remove(ctx context.Context, streamID, code string) error {
	if !codePattern.MatchString(code) {
		return ErrInvalidCode
	}
	removed := false
	for _, ext := range extensionsByType {
		key := prefix(streamID) + code + ext
		ok, err := c.store.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("check emote %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete emote %s: %w", key, err)
		}
		removed = true
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// Open streams an emote image by its storage key. Only keys under emotes/
// are served.
func (c *Catalog) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if !strings.HasPrefix(key, "emotes/") {
		return nil, ErrNotFound
	}
	rc, err := c.store.Read(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rc, err
}
