package enforcement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"edge-cd/internal/adapter/platform"
)

// Usage 单个项目的滚动用量
type Usage struct {
	WallTimeMs int64
	Requests   int64
}

// WallTime 毫秒转 Duration
func (u Usage) WallTime() time.Duration {
	return time.Duration(u.WallTimeMs) * time.Millisecond
}

const sqlTimeLayout = "2006-01-02 15:04:05"

// 计量包装模块写入: blob1 = project id, double1 = wall time ms, double2 = 请求数
const rollingUsageSQL = `SELECT blob1 AS project_id,
  SUM(_sample_interval * double1) AS wall_time_ms,
  SUM(_sample_interval * double2) AS request_count
FROM %s
WHERE timestamp >= toDateTime('%s') AND timestamp < toDateTime('%s')
GROUP BY project_id
FORMAT JSON`

const monthlyUsageQuery = `query DurableObjectMonthlyUsage($accountTag: string!, $start: Date!, $end: Date!) {
  viewer {
    accounts(filter: {accountTag: $accountTag}) {
      durableObjectsPeriodicGroups(limit: 10000, filter: {date_geq: $start, date_leq: $end}) {
        sum { activeTime }
      }
    }
  }
}`

type monthlyUsageResponse struct {
	Viewer struct {
		Accounts []struct {
			Groups []struct {
				Sum struct {
					// 微秒
					ActiveTime float64 `json:"activeTime"`
				} `json:"sum"`
			} `json:"durableObjectsPeriodicGroups"`
		} `json:"accounts"`
	} `json:"viewer"`
}

// rollingUsage 统计 [now-24h, now-buffer) 内每个项目的用量
func rollingUsage(ctx context.Context, client platform.Client, dataset string, now time.Time, buffer time.Duration) (map[string]Usage, error) {
	end := now.Add(-buffer).UTC()
	start := now.Add(-24 * time.Hour).UTC()
	sql := fmt.Sprintf(rollingUsageSQL, dataset, start.Format(sqlTimeLayout), end.Format(sqlTimeLayout))

	rows, err := client.QueryAnalytics(ctx, sql)
	if err != nil {
		return nil, err
	}

	usage := make(map[string]Usage, len(rows))
	for _, row := range rows {
		projectID, _ := row["project_id"].(string)
		if projectID == "" {
			continue
		}
		u := usage[projectID]
		u.WallTimeMs += toInt64(row["wall_time_ms"])
		u.Requests += toInt64(row["request_count"])
		usage[projectID] = u
	}
	return usage, nil
}

// monthlyUsage 当前自然月全平台 Durable Object 运行时长
func monthlyUsage(ctx context.Context, client platform.Client, accountID string, now time.Time) (time.Duration, error) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var resp monthlyUsageResponse
	err := client.QueryGraphQL(ctx, monthlyUsageQuery, map[string]any{
		"accountTag": accountID,
		"start":      start.Format(time.DateOnly),
		"end":        now.Format(time.DateOnly),
	}, &resp)
	if err != nil {
		return 0, err
	}

	var micros float64
	for _, acc := range resp.Viewer.Accounts {
		for _, g := range acc.Groups {
			micros += g.Sum.ActiveTime
		}
	}
	return time.Duration(micros) * time.Microsecond, nil
}

// toInt64 SQL 接口数字可能以字符串返回
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}
