package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adpilot/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// KillSwitchCache caches the per-tenant kill-switch flag. Get reports
// ok=false on a miss.
type KillSwitchCache interface {
	Get(ctx context.Context, tenantID string) (active bool, ok bool, err error)
	Set(ctx context.Context, tenantID string, active bool) error
}

// TenantSettingsService 租户级 kill switch 与品牌上下文
type TenantSettingsService struct {
	db     *gorm.DB
	cache  KillSwitchCache
	logger *logrus.Logger
}

func NewTenantSettingsService(db *gorm.DB, cache KillSwitchCache, logger *logrus.Logger) *TenantSettingsService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TenantSettingsService{db: db, cache: cache, logger: logger}
}

// Get 返回租户设置，未配置时返回零值设置
func (s *TenantSettingsService) Get(ctx context.Context, tenantID string) (*models.TenantSettings, error) {
	var st models.TenantSettings
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.TenantSettings{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}
	return &st, nil
}

// IsKillSwitchActive reads the flag through the cache. Cache errors fall
// back to the database.
func (s *TenantSettingsService) IsKillSwitchActive(ctx context.Context, tenantID string) (bool, error) {
	if s.cache != nil {
		active, ok, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			s.logger.Warnf("kill switch cache read failed for tenant %s: %v", tenantID, err)
		} else if ok {
			return active, nil
		}
	}
	st, err := s.Get(ctx, tenantID)
	if err != nil {
		return false, err
	}
	s.cacheKillSwitch(ctx, tenantID, st.KillSwitchActive)
	return st.KillSwitchActive, nil
}

// SetKillSwitch 开启/关闭 kill switch
func (s *TenantSettingsService) SetKillSwitch(ctx context.Context, tenantID string, active bool, reason string) (*models.TenantSettings, error) {
	st, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st.KillSwitchActive = active
	st.KillSwitchReason = reason
	if !active {
		st.KillSwitchReason = ""
	}
	if err := s.db.WithContext(ctx).Save(st).Error; err != nil {
		return nil, fmt.Errorf("failed to save kill switch: %w", err)
	}
	s.cacheKillSwitch(ctx, tenantID, active)
	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "active": active}).Warn("kill switch changed")
	return st, nil
}

func (s *TenantSettingsService) cacheKillSwitch(ctx context.Context, tenantID string, active bool) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, tenantID, active); err != nil {
		s.logger.Warnf("kill switch cache write failed for tenant %s: %v", tenantID, err)
	}
}

// BrandContext implements BrandContextProvider.
func (s *TenantSettingsService) BrandContext(ctx context.Context, tenantID string) (string, error) {
	st, err := s.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return st.BrandContext, nil
}

func (s *TenantSettingsService) SetBrandContext(ctx context.Context, tenantID, brandContext string) (*models.TenantSettings, error) {
	st, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st.BrandContext = brandContext
	if err := s.db.WithContext(ctx).Save(st).Error; err != nil {
		return nil, fmt.Errorf("failed to save brand context: %w", err)
	}
	return st, nil
}

// RedisKillSwitchCache stores the flag under adpilot:killswitch:<tenant>.
type RedisKillSwitchCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisKillSwitchCache(client *redis.Client, ttl time.Duration) *RedisKillSwitchCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisKillSwitchCache{client: client, ttl: ttl}
}

func killSwitchKey(tenantID string) string {
	return "adpilot:killswitch:" + tenantID
}

func (c *RedisKillSwitchCache) Get(ctx context.Context, tenantID string) (bool, bool, error) {
	v, err := c.client.Get(ctx, killSwitchKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v == "1", true, nil
}

func (c *RedisKillSwitchCache) Set(ctx context.Context, tenantID string, active bool) error {
	v := "0"
	if active {
		v = "1"
	}
	return c.client.Set(ctx, killSwitchKey(tenantID), v, c.ttl).Err()
}

var (
	_ KillSwitchCache      = (*RedisKillSwitchCache)(nil)
	_ BrandContextProvider = (*TenantSettingsService)(nil)
)
