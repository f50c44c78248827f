package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"mime"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/model"
)

// Suffix is the key suffix of every stored image.
const Suffix = "jpg"

// Config bounds accepted images and fixes the canonical encoding.
type Config struct {
	MaxBytes  int64    `mapstructure:"max_bytes"`
	MaxWidth  int      `mapstructure:"max_width"`
	MaxHeight int      `mapstructure:"max_height"`
	MaxPixels int      `mapstructure:"max_pixels"` // decoded width*height before scaling
	Quality   int      `mapstructure:"quality"`    // JPEG quality 1-100
	Formats   []string `mapstructure:"formats"`    // decoder names: png, jpeg, gif, webp, bmp
}

// DefaultConfig returns the upload limits: 5MB, fitted within 800x600.
func DefaultConfig() Config {
	return Config{
		MaxBytes:  5 << 20,
		MaxWidth:  800,
		MaxHeight: 600,
		MaxPixels: 40_000_000,
		Quality:   80,
		Formats:   []string{"png", "jpeg", "gif", "webp"},
	}
}

// Ingester turns raw uploads into stored canonical images.
type Ingester struct {
	blobs  blob.Blobs
	cfg    Config
	logger *slog.Logger
}

// New creates an Ingester writing to blobs. Zero-valued limits in cfg fall
// back to DefaultConfig.
func New(blobs blob.Blobs, cfg Config, logger *slog.Logger) *Ingester {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = def.MaxWidth
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = def.MaxHeight
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = def.MaxPixels
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = def.Formats
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{blobs: blobs, cfg: cfg, logger: logger}
}

// Limits returns the effective configuration.
func (ing *Ingester) Limits() Config {
	return ing.cfg
}

// Ingest validates and normalizes raw and stores the result, returning the
// new content store key. declaredMediaType may be empty.
func (ing *Ingester) Ingest(ctx context.Context, raw []byte, declaredMediaType string) (string, error) {
	encoded, err := Process(raw, declaredMediaType, ing.cfg)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", model.NewStorageError("ingest image", err)
	}

	key, err := ing.blobs.Put(ctx, encoded, Suffix)
	if err != nil {
		return "", model.NewStorageError("store image", err)
	}
	ing.logger.Debug("image ingested", "key", key, "in_bytes", len(raw), "out_bytes", len(encoded))
	return key, nil
}

// Restore stores previously exported image bytes. Bytes that are already
// canonical are stored unchanged, so a backup restores without another
// lossy encode. Anything else goes through Ingest.
func (ing *Ingester) Restore(ctx context.Context, raw []byte, declaredMediaType string) (string, error) {
	if !Canonical(raw, ing.cfg) {
		return ing.Ingest(ctx, raw, declaredMediaType)
	}
	if err := ctx.Err(); err != nil {
		return "", model.NewStorageError("restore image", err)
	}

	key, err := ing.blobs.Put(ctx, raw, Suffix)
	if err != nil {
		return "", model.NewStorageError("store image", err)
	}
	ing.logger.Debug("image restored", "key", key, "bytes", len(raw))
	return key, nil
}

// Canonical reports whether raw is a JPEG that Process could have
// produced under cfg: within the byte limit, fitted to the bounds and
// fully decodable.
func Canonical(raw []byte, cfg Config) bool {
	if len(raw) == 0 || int64(len(raw)) > cfg.MaxBytes {
		return false
	}
	hdr, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil || format != "jpeg" {
		return false
	}
	if hdr.Width <= 0 || hdr.Height <= 0 || hdr.Width > cfg.MaxWidth || hdr.Height > cfg.MaxHeight {
		return false
	}
	_, err = jpeg.Decode(bytes.NewReader(raw))
	return err == nil
}

// Process runs the pure part of the pipeline and returns the canonical
// JPEG bytes. Failures are validation errors.
func Process(raw []byte, declaredMediaType string, cfg Config) ([]byte, error) {
	if len(raw) == 0 {
		return nil, invalid("image is empty")
	}
	if int64(len(raw)) > cfg.MaxBytes {
		return nil, invalid("image is %d bytes, max is %d", len(raw), cfg.MaxBytes)
	}
	if declared := formatForMediaType(declaredMediaType); declared != "" && !slices.Contains(cfg.Formats, declared) {
		return nil, invalid("media type %q not allowed, use one of %v", declaredMediaType, cfg.Formats)
	}

	hdr, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, invalid("unrecognized image data: %v", err)
	}
	if !slices.Contains(cfg.Formats, format) {
		return nil, invalid("format %q not allowed, use one of %v", format, cfg.Formats)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, invalid("image has no pixels")
	}
	if hdr.Width*hdr.Height > cfg.MaxPixels {
		return nil, invalid("image is %dx%d, more than %d pixels", hdr.Width, hdr.Height, cfg.MaxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, invalid("decode %s: %v", format, err)
	}

	img := flatten(src)
	w, h := FitWithin(img.Bounds().Dx(), img.Bounds().Dy(), cfg.MaxWidth, cfg.MaxHeight)
	if w != img.Bounds().Dx() || h != img.Bounds().Dy() {
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: cfg.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// FitWithin returns the largest size with w:h's aspect ratio that fits in
// maxW×maxH. Sizes already inside the box are returned unchanged. A scaled
// result has at least one side equal to its bound.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH >= h*maxW {
		// Width is the binding constraint.
		return maxW, max(1, (h*maxW+w/2)/w)
	}
	return max(1, (w*maxH+h/2)/h), maxH
}

// flatten composites src onto an opaque white canvas with a zero origin.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// formatForMediaType maps a declared media type to a decoder name.
// Unknown or generic types return "" and are left to content sniffing.
func formatForMediaType(mediaType string) string {
	if mediaType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return "invalid"
	}
	switch mt {
	case "application/octet-stream":
		return ""
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return "jpeg"
	}
	if sub, ok := strings.CutPrefix(mt, "image/"); ok {
		return sub
	}
	return mt
}

func invalid(format string, args ...any) error {
	return model.NewValidationError("invalid image", model.FieldError{
		Field:   "image",
		Message: fmt.Sprintf(format, args...),
	})
}
