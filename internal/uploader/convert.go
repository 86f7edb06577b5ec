package uploader

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strings"
)

const jpegQuality = 98

// Convert re-encodes PNG image outputs to JPEG for delivery. Video outputs
// and already-compressed images pass through unchanged. Conversion failures
// fall back to the original path; they never fail the task.
func (u *Uploader) Convert(path, taskType string) string {
	if path == "" {
		slog.Warn("empty output path received")
		return path
	}
	if taskType == "txt2vid" {
		slog.Info("processing video output", "path", path)
		return path
	}
	if !strings.HasSuffix(strings.ToLower(path), ".png") {
		return path
	}

	converted, err := reencodeJpeg(path)
	if err != nil {
		slog.Error("image conversion failed", "path", path, "error", err)
		return path
	}
	slog.Info("image converted", "path", converted)
	return converted
}

func reencodeJpeg(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	jpegPath := path[:len(path)-len(".png")] + ".jpg"
	out, err := os.Create(jpegPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", jpegPath, err)
	}
	defer out.Close()

	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return jpegPath, nil
}
