// Package repository 摄像头配置持久化
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"onvif-camera-gateway/internal/models"

	"go.uber.org/zap"
)

// CameraRepository 摄像头配置仓库接口
// 网关重启后依据此处记录恢复设备会话
type CameraRepository interface {
	List(ctx context.Context) ([]models.CameraRecord, error)
	Get(ctx context.Context, deviceID string) (*models.CameraRecord, error)
	Upsert(ctx context.Context, rec models.CameraRecord) error
	// Delete 记录不存在时不报错
	Delete(ctx context.Context, deviceID string) error
}

const cameraSchema = `
	CREATE TABLE IF NOT EXISTS camera_devices (
		device_id           TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		ip_address          TEXT NOT NULL,
		onvif_username      TEXT NOT NULL,
		onvif_password      TEXT NOT NULL,
		media_profile_token TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// PostgresCameraRepository PostgreSQL 实现
type PostgresCameraRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresCameraRepository 创建摄像头配置仓库
func NewPostgresCameraRepository(db *sql.DB, logger *zap.Logger) *PostgresCameraRepository {
	return &PostgresCameraRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 建表（幂等）
func (r *PostgresCameraRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, cameraSchema); err != nil {
		return fmt.Errorf("failed to create camera_devices: %w", err)
	}
	return nil
}

// List 按创建时间返回全部摄像头
func (r *PostgresCameraRepository) List(ctx context.Context) ([]models.CameraRecord, error) {
	query := `
		SELECT device_id, name, ip_address, onvif_username, onvif_password, media_profile_token, created_at
		FROM camera_devices
		ORDER BY created_at, device_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query camera_devices: %w", err)
	}
	defer rows.Close()

	var records []models.CameraRecord
	for rows.Next() {
		var rec models.CameraRecord
		if err := rows.Scan(
			&rec.DeviceID,
			&rec.Name,
			&rec.IPAddress,
			&rec.OnvifUsername,
			&rec.OnvifPassword,
			&rec.MediaProfileToken,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan camera row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate camera rows: %w", err)
	}
	return records, nil
}

// Get 查询单个摄像头
func (r *PostgresCameraRepository) Get(ctx context.Context, deviceID string) (*models.CameraRecord, error) {
	query := `
		SELECT device_id, name, ip_address, onvif_username, onvif_password, media_profile_token, created_at
		FROM camera_devices
		WHERE device_id = $1
	`
	var rec models.CameraRecord
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&rec.DeviceID,
		&rec.Name,
		&rec.IPAddress,
		&rec.OnvifUsername,
		&rec.OnvifPassword,
		&rec.MediaProfileToken,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("camera %s: %w", deviceID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query camera %s: %w", deviceID, err)
	}
	return &rec, nil
}

// Upsert 新增或覆盖摄像头配置
func (r *PostgresCameraRepository) Upsert(ctx context.Context, rec models.CameraRecord) error {
	query := `
		INSERT INTO camera_devices (device_id, name, ip_address, onvif_username, onvif_password, media_profile_token)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id) DO UPDATE SET
			name = EXCLUDED.name,
			ip_address = EXCLUDED.ip_address,
			onvif_username = EXCLUDED.onvif_username,
			onvif_password = EXCLUDED.onvif_password,
			media_profile_token = EXCLUDED.media_profile_token,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.DeviceID,
		rec.Name,
		rec.IPAddress,
		rec.OnvifUsername,
		rec.OnvifPassword,
		rec.MediaProfileToken,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert camera %s: %w", rec.DeviceID, err)
	}
	r.logger.Debug("Camera record saved", zap.String("device_id", rec.DeviceID))
	return nil
}

// Delete 删除摄像头配置
func (r *PostgresCameraRepository) Delete(ctx context.Context, deviceID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM camera_devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete camera %s: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("Camera record not found on delete", zap.String("device_id", deviceID))
	}
	return nil
}
