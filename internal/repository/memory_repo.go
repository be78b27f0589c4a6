package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"onvif-camera-gateway/internal/models"
)

// MemoryCameraRepository 进程内实现（本地调试、未配置数据库时使用）
type MemoryCameraRepository struct {
	mu      sync.RWMutex
	records map[string]models.CameraRecord
	now     func() time.Time
}

// NewMemoryCameraRepository 创建内存仓库
func NewMemoryCameraRepository() *MemoryCameraRepository {
	return &MemoryCameraRepository{
		records: make(map[string]models.CameraRecord),
		now:     time.Now,
	}
}

func (r *MemoryCameraRepository) List(ctx context.Context) ([]models.CameraRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.CameraRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryCameraRepository) Get(ctx context.Context, deviceID string) (*models.CameraRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[deviceID]
	if !ok {
		return nil, fmt.Errorf("camera %s: %w", deviceID, models.ErrNotFound)
	}
	return &rec, nil
}

func (r *MemoryCameraRepository) Upsert(ctx context.Context, rec models.CameraRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.records[rec.DeviceID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	r.records[rec.DeviceID] = rec
	return nil
}

func (r *MemoryCameraRepository) Delete(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	delete(r.records, deviceID)
	r.mu.Unlock()
	return nil
}
