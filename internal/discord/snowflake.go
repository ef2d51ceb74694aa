package discord

import (
	"fmt"
	"strconv"
	"time"
)

// discordEpochMS はDiscord snowflakeの起点（2015-01-01T00:00:00Z）のUnixミリ秒。
const discordEpochMS int64 = 1420070400000

// SnowflakeFromTime は時刻tに対応する最小のsnowflakeを返す。
// メッセージ取得のafterパラメータに使用する。
func SnowflakeFromTime(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMS
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

// TimeFromSnowflake はsnowflakeに埋め込まれた作成時刻を返す。
func TimeFromSnowflake(id string) (time.Time, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("snowflakeのパースに失敗しました: %w", err)
	}
	return time.UnixMilli((v >> 22) + discordEpochMS).UTC(), nil
}
