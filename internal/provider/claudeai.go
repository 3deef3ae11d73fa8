package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	claudeAIBaseURL  = "https://claude.ai/api"
	sessionKeyPrefix = "sk-ant-sid"
)

// ClaudeAI reads subscription utilization from the claude.ai web API using a
// browser session key.
type ClaudeAI struct {
	sessionKey string
	baseURL    string
	get        httpGetter
}

// NewClaudeAI returns nil if the key is empty or has the wrong prefix.
func NewClaudeAI(sessionKey, baseURL string) *ClaudeAI {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" || !strings.HasPrefix(sessionKey, sessionKeyPrefix) {
		return nil
	}
	if baseURL == "" {
		baseURL = claudeAIBaseURL
	}
	return &ClaudeAI{sessionKey: sessionKey, baseURL: strings.TrimRight(baseURL, "/"), get: newGetter("claudeai")}
}

func (c *ClaudeAI) ID() string { return "claudeai" }
func (c *ClaudeAI) Kind() Kind { return KindRemote }

// Fetch resolves the first organization, then reads its usage windows and
// overage limit. A failing overage request is reported as partial.
func (c *ClaudeAI) Fetch(ctx context.Context) (Raw, error) {
	now := c.get.now()
	hdr := http.Header{}
	hdr.Set("Cookie", "sessionKey="+c.sessionKey)

	orgs, err := c.get.get(ctx, c.baseURL+"/organizations", hdr)
	if err != nil {
		return Raw{}, err
	}
	orgID := gjson.GetBytes(orgs.Data, "0.uuid").String()
	if orgID == "" {
		return Raw{}, &FetchError{Provider: c.ID(), Err: errors.New("no organizations found")}
	}

	usage, err := c.get.get(ctx, fmt.Sprintf("%s/organizations/%s/usage", c.baseURL, orgID), hdr)
	if err != nil {
		return Raw{}, err
	}
	usage.Label = "usage"
	raw := Raw{ProviderID: c.ID(), Shape: ShapeSnapshot, FetchedAt: now, Bodies: []Body{usage}}

	overage, err := c.get.get(ctx, fmt.Sprintf("%s/organizations/%s/overage_spend_limit", c.baseURL, orgID), hdr)
	if err != nil {
		if ctx.Err() != nil {
			return Raw{}, ctx.Err()
		}
		raw.Partial = append(raw.Partial, err)
		return raw, nil
	}
	overage.Label = "overage"
	raw.Bodies = append(raw.Bodies, overage)
	return raw, nil
}
