package goofish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://h5api.m.goofish.com"
	mtopAppKey     = "34839810"

	apiLoginToken = "mtop.taobao.idlemessage.pc.login.token"
	apiItemDetail = "mtop.taobao.idle.pc.detail"

	// ListingPlaceholder stands in for listing metadata that could not be fetched.
	ListingPlaceholder = "无法获取商品信息"
)

// APIClient calls the two mtop endpoints the session needs: the access
// token for websocket registration and listing metadata.
type APIClient struct {
	apiBase    string
	cookies    map[string]string
	cookieStr  string
	httpClient *http.Client
	now        func() time.Time
}

func NewAPIClient(apiBase, cookieStr string, cookies map[string]string) *APIClient {
	if strings.TrimSpace(apiBase) == "" {
		apiBase = defaultAPIBase
	}
	return &APIClient{
		apiBase:    strings.TrimRight(apiBase, "/"),
		cookies:    cookies,
		cookieStr:  cookieStr,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
	}
}

// ItemInfo is the subset of listing metadata the reply pipeline uses.
// Every field is optional.
type ItemInfo struct {
	Desc         string `json:"desc"`
	SoldPrice    any    `json:"soldPrice"`
	Title        string `json:"title"`
	CategoryName string `json:"categoryName"`
}

// Describe renders the listing for the reply prompt, falling back to
// ListingPlaceholder when no field is usable.
func (i *ItemInfo) Describe() string {
	if i == nil {
		return ListingPlaceholder
	}
	var parts []string
	if i.Desc != "" {
		parts = append(parts, "商品描述: "+i.Desc)
	}
	if i.SoldPrice != nil {
		parts = append(parts, "当前售价: "+formatPrice(i.SoldPrice)+"元")
	}
	if i.Title != "" {
		parts = append(parts, "商品标题: "+i.Title)
	}
	if i.CategoryName != "" {
		parts = append(parts, "商品分类: "+i.CategoryName)
	}
	if len(parts) == 0 {
		return ListingPlaceholder
	}
	return strings.Join(parts, "; ")
}

func formatPrice(v any) string {
	switch p := v.(type) {
	case float64:
		return strconv.FormatFloat(p, 'f', -1, 64)
	case json.Number:
		return p.String()
	case string:
		return p
	default:
		return fmt.Sprint(p)
	}
}

type mtopResponse struct {
	Ret  []string        `json:"ret"`
	Data json.RawMessage `json:"data"`
}

// GetToken fetches a fresh websocket access token for deviceID.
func (c *APIClient) GetToken(ctx context.Context, deviceID string) (string, error) {
	payload := map[string]string{"appKey": DefaultAppKey, "deviceId": deviceID}
	var data struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.call(ctx, apiLoginToken, payload, &data); err != nil {
		return "", err
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("%w: %s returned no accessToken", ErrAPI, apiLoginToken)
	}
	return data.AccessToken, nil
}

// GetItemInfo fetches listing metadata for itemID.
func (c *APIClient) GetItemInfo(ctx context.Context, itemID string) (*ItemInfo, error) {
	var data struct {
		ItemDO *ItemInfo `json:"itemDO"`
	}
	if err := c.call(ctx, apiItemDetail, map[string]string{"itemId": itemID}, &data); err != nil {
		return nil, err
	}
	if data.ItemDO == nil {
		return nil, fmt.Errorf("%w: %s returned no itemDO", ErrAPI, apiItemDetail)
	}
	return data.ItemDO, nil
}

func (c *APIClient) call(ctx context.Context, api string, payload any, out any) error {
	dataJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)

	q := url.Values{}
	q.Set("jsi", "1")
	q.Set("t", ts)
	q.Set("sign", c.sign(ts, string(dataJSON)))
	q.Set("v", "1.0")
	q.Set("type", "originaljson")
	q.Set("accountSite", "xianyu")
	q.Set("dataType", "json")
	q.Set("timeout", "20000")
	q.Set("api", api)
	q.Set("sessionOption", "AutoLoginOnly")
	q.Set("appKey", mtopAppKey)

	endpoint := fmt.Sprintf("%s/h5/%s/1.0/?%s", c.apiBase, api, q.Encode())
	form := url.Values{"data": {string(dataJSON)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", c.cookieStr)
	req.Header.Set("Origin", "https://www.goofish.com")
	req.Header.Set("Referer", "https://www.goofish.com/")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s status %d", ErrAPI, api, resp.StatusCode)
	}

	var envelope mtopResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(envelope.Ret) == 0 || !strings.HasPrefix(envelope.Ret[0], "SUCCESS") {
		return fmt.Errorf("%w: %s ret %v", ErrAPI, api, envelope.Ret)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", api, err)
	}
	return nil
}

// sign computes md5(token&t&appKey&data) where token is the prefix of the
// _m_h5_tk cookie.
func (c *APIClient) sign(ts, data string) string {
	token, _, _ := strings.Cut(c.cookies["_m_h5_tk"], "_")
	sum := md5.Sum([]byte(token + "&" + ts + "&" + mtopAppKey + "&" + data))
	return hex.EncodeToString(sum[:])
}
