// Package cache は高速キャッシュ（Redis）へのアクセスを提供する。
// キャッシュは永続ストアから導出されるTTL付きの射影であり、
// 欠損や失効があっても永続ストアから復元できることを前提とする。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss はキーが存在しないことを示す。
var ErrMiss = errors.New("cache miss")

// Cache はキーと文字列値をTTL付きで保持するキャッシュのインターフェース。
type Cache interface {
	// Get はキーの値を返す。存在しない場合はErrMissを返す。
	Get(ctx context.Context, key string) (string, error)
	// Set は値をTTL付きで保存する。ttlが0以下の場合は期限なしで保存する。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete はキーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}

// GetJSON はキーの値をJSONとしてデコードする。
// 存在しない場合はfalseを返す。
func GetJSON(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, err := c.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("キャッシュ値のデコードに失敗しました (%s): %w", key, err)
	}
	return true, nil
}

// SetJSON は値をJSONにエンコードしてTTL付きで保存する。
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("キャッシュ値のエンコードに失敗しました (%s): %w", key, err)
	}
	return c.Set(ctx, key, string(b), ttl)
}
