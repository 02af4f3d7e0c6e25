package workers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"estate_importer/metrics"
	"estate_importer/models"
)

const (
	MaxMediaAttempts = 3
	maxMediaBytes    = 50 * 1024 * 1024
)

// Uploader stores an object in S3-compatible storage.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// ImageStore is the part of the store the media worker uses.
type ImageStore interface {
	ListPendingImages(ctx context.Context, limit, maxAttempts int) ([]models.PropertyImage, error)
	UpdateImageMirror(ctx context.Context, img *models.PropertyImage) error
}

// MediaWorker mirrors listing images: download, hash, upload under a
// content-addressed key.
type MediaWorker struct {
	store      ImageStore
	uploader   Uploader
	httpClient *http.Client
	delay      time.Duration
	log        zerolog.Logger
}

func NewMediaWorker(store ImageStore, uploader Uploader, proxyURL string, log zerolog.Logger) (*MediaWorker, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &MediaWorker{
		store:    store,
		uploader: uploader,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		delay: 200 * time.Millisecond,
		log:   log,
	}, nil
}

type MirrorResult struct {
	S3Key       string
	ContentHash string
	Size        int64
}

// Mirror downloads one image and uploads it.
func (w *MediaWorker) Mirror(ctx context.Context, img *models.PropertyImage) (*MirrorResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	contentType := resp.Header.Get("Content-Type")
	res := &MirrorResult{
		ContentHash: hash,
		Size:        int64(len(data)),
		S3Key:       fmt.Sprintf("media/%s/%s%s", hash[:2], hash, guessExtension(img.URL, contentType)),
	}

	if contentType == "" {
		contentType = "image/jpeg"
	}
	if err := w.uploader.Upload(ctx, res.S3Key, bytes.NewReader(data), contentType); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return res, nil
}

// guessExtension determines file extension from URL or content-type
func guessExtension(rawURL, contentType string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if ext := strings.ToLower(path.Ext(p)); isImageExt(ext) {
		return ext
	}

	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff":
		return true
	}
	return false
}

// Run mirrors pending images every interval until ctx is cancelled.
func (w *MediaWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("media worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx, batchSize)
		}
	}
}

// ProcessBatch mirrors up to batchSize pending images and returns how many
// were uploaded and how many failed.
func (w *MediaWorker) ProcessBatch(ctx context.Context, batchSize int) (processed, failed int) {
	images, err := w.store.ListPendingImages(ctx, batchSize, MaxMediaAttempts)
	if err != nil {
		w.log.Error().Err(err).Msg("list pending images")
		return 0, 0
	}

	for i := range images {
		if ctx.Err() != nil {
			break
		}
		img := &images[i]
		log := w.log.With().Int64("property_id", img.PropertyID).Int64("image_id", img.ID).Logger()

		res, err := w.Mirror(ctx, img)
		if err != nil {
			failed++
			img.Attempts++
			img.Status = models.ImagePending
			if img.Attempts >= MaxMediaAttempts {
				img.Status = models.ImageFailed
			}
			metrics.ImagesMirrored.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("url", img.URL).Int("attempts", img.Attempts).Msg("mirror image failed")
		} else {
			processed++
			img.Status = models.ImageMirrored
			img.S3Key = &res.S3Key
			img.ContentHash = res.ContentHash
			metrics.ImagesMirrored.WithLabelValues("mirrored").Inc()
			log.Debug().Str("key", res.S3Key).Int64("bytes", res.Size).Msg("image mirrored")
		}

		if err := w.store.UpdateImageMirror(ctx, img); err != nil {
			log.Error().Err(err).Msg("update image")
		}

		if w.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.delay):
			}
		}
	}

	if processed > 0 || failed > 0 {
		w.log.Info().Int("mirrored", processed).Int("failed", failed).Msg("media batch done")
	}
	return processed, failed
}
