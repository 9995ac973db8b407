package transcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParseLadder reads a ladder spec of the form
// "1080p:1920x1080:5000,720p:1280x720:3000". An empty spec yields the
// default ladder.
func ParseLadder(spec string) ([]Rendition, error) {
	if strings.TrimSpace(spec) == "" {
		return DefaultLadder(), nil
	}
	entries := strings.Split(spec, ",")
	results := make([]Rendition, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid rendition spec %q", trimmed)
		}
		width, height, err := parseSize(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid size for rendition %q: %w", trimmed, err)
		}
		bitrate, err := strconv.Atoi(parts[2])
		if err != nil || bitrate <= 0 {
			return nil, fmt.Errorf("invalid bitrate for rendition %q", trimmed)
		}
		results = append(results, Rendition{
			Name:        strings.TrimSpace(parts[0]),
			Width:       width,
			Height:      height,
			BitrateKbps: bitrate,
		})
	}
	if len(results) == 0 {
		return nil, errors.New("no rendition profiles configured")
	}
	return results, nil
}

func parseSize(raw string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("expected WIDTHxHEIGHT, got %q", raw)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid width %q", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid height %q", h)
	}
	// libx264 needs even dimensions.
	if width%2 != 0 || height%2 != 0 {
		return 0, 0, fmt.Errorf("dimensions must be even, got %dx%d", width, height)
	}
	return width, height, nil
}
