package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"video-platform/internal/models"
)

// Memory keeps records in process. It backs tests and the single-binary
// development mode.
type Memory struct {
	now func() time.Time

	mu       sync.RWMutex
	channels map[string]models.Channel
	videos   map[string]models.Video
}

func NewMemory() *Memory {
	return &Memory{
		now:      func() time.Time { return time.Now().UTC() },
		channels: make(map[string]models.Channel),
		videos:   make(map[string]models.Video),
	}
}

func (m *Memory) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[id]
	if !ok {
		return models.Channel{}, ErrNotFound
	}
	return channel, nil
}

func (m *Memory) CreateChannel(ctx context.Context, channel models.Channel) (models.Channel, error) {
	if strings.TrimSpace(channel.ID) == "" || strings.TrimSpace(channel.OwnerID) == "" {
		return models.Channel{}, errors.New("catalog: channel id and owner are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = m.now()
	}
	m.channels[channel.ID] = channel
	return channel, nil
}

func (m *Memory) CreateVideo(ctx context.Context, params NewVideo) (models.Video, error) {
	if err := params.validate(); err != nil {
		return models.Video{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[params.ChannelID]; !ok {
		return models.Video{}, ErrNotFound
	}
	if _, exists := m.videos[params.ID]; exists {
		return models.Video{}, errors.New("catalog: video already exists")
	}
	now := m.now()
	video := models.Video{
		ID:          params.ID,
		ChannelID:   params.ChannelID,
		Title:       params.Title,
		Description: params.Description,
		Tags:        append([]string{}, params.Tags...),
		Visibility:  params.Visibility,
		Status:      models.StatusUploading,
		SourceKey:   params.SourceKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.videos[video.ID] = video
	return video.Clone(), nil
}

func (m *Memory) GetVideo(ctx context.Context, id string) (models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	video, ok := m.videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return video.Clone(), nil
}

func (m *Memory) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	if err := update.validate(); err != nil {
		return models.Video{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[id]
	if !ok {
		return models.Video{}, ErrConflict
	}
	if !update.Allows(video.Status) {
		return models.Video{}, transitionError(update, video.Status)
	}
	update.apply(&video, m.now())
	m.videos[id] = video
	return video.Clone(), nil
}

func (m *Memory) ListStale(ctx context.Context, status models.VideoStatus, before time.Time, limit int) ([]models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Video
	for _, video := range m.videos {
		if video.Status == status && video.UpdatedAt.Before(before) {
			out = append(out, video.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a record, simulating an out-of-band deletion.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	delete(m.videos, id)
	m.mu.Unlock()
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close(ctx context.Context) error { return nil }
