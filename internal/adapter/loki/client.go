package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

var _ port.LogQuerier = (*Client)(nil)

const (
	pageLimit = 5000
	maxPages  = 20
)

// Client 通过 Loki HTTP API 回查构建步骤 Pod 的日志，用于 LogSink 中没有记录的旧构建。
type Client struct {
	baseURL    string
	httpClient *http.Client
	pageLimit  int
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pageLimit:  pageLimit,
	}
}

// QueryBuildLogs 返回 build 下所有步骤 Pod（paastel-b<build>-s<step>-a<attempt>）的日志，
// 按时间排序，Pod 切换时插入一行分隔。结果超过一页时按时间向后翻页。
func (c *Client) QueryBuildLogs(ctx context.Context, namespace string, buildID int64, start, end time.Time) (string, error) {
	selector := fmt.Sprintf(`{namespace=%q, pod=~%q}`, namespace, "paastel-b"+strconv.FormatInt(buildID, 10)+"-s.*")

	var entries []entry
	from := start.UnixNano()
	for page := 0; page < maxPages; page++ {
		batch, err := c.queryRange(ctx, selector, from, end.UnixNano())
		if err != nil {
			return "", err
		}
		entries = append(entries, batch...)
		if len(batch) < c.pageLimit {
			break
		}
		// 下一页从本页最后一条之后开始，同一纳秒内的剩余行会被跳过。
		from = batch[len(batch)-1].ts + 1
	}
	return render(entries), nil
}

func (c *Client) queryRange(ctx context.Context, selector string, from, to int64) ([]entry, error) {
	params := url.Values{
		"query":     {selector},
		"start":     {strconv.FormatInt(from, 10)},
		"end":       {strconv.FormatInt(to, 10)},
		"direction": {"forward"},
		"limit":     {strconv.Itoa(c.pageLimit)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/loki/api/v1/query_range?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("loki: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki: %v: %w", err, domain.ErrRetryable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("loki: status %d: %w", resp.StatusCode, domain.ErrRetryable)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("loki: unexpected status %d", resp.StatusCode)
	}

	var body queryRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("loki: decode response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("loki: query status %q", body.Status)
	}

	var out []entry
	for _, s := range body.Data.Result {
		pod := s.Stream["pod"]
		for _, v := range s.Values {
			if len(v) < 2 {
				continue
			}
			ts, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			out = append(out, entry{ts: ts, pod: pod, line: v[1]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ts < out[j].ts })
	return out, nil
}

type queryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

type entry struct {
	ts   int64
	pod  string
	line string
}

func render(entries []entry) string {
	var b strings.Builder
	pod := ""
	for i, e := range entries {
		if e.pod != "" && (i == 0 || e.pod != pod) {
			fmt.Fprintf(&b, "--- %s ---\n", e.pod)
		}
		pod = e.pod
		b.WriteString(e.line)
		b.WriteByte('\n')
	}
	return b.String()
}
