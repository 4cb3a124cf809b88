package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauthjwt "golang.org/x/oauth2/jwt"
)

const (
	defaultFCMEndpoint = "https://fcm.googleapis.com"
	fcmScope           = "https://www.googleapis.com/auth/firebase.messaging"
)

// ErrTargetGone means the push service has permanently rejected a token or
// subscription; callers evict it.
var ErrTargetGone = errors.New("push target is no longer valid")

// ServiceAccount is a parsed Google service-account JSON key.
type ServiceAccount struct {
	ProjectID string
	TokenURI  string
	conf      *oauthjwt.Config
}

func LoadServiceAccount(path string) (*ServiceAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account: %w", err)
	}
	return ParseServiceAccount(raw)
}

func ParseServiceAccount(raw []byte) (*ServiceAccount, error) {
	var meta struct {
		ProjectID   string `json:"project_id"`
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	if meta.ProjectID == "" || meta.ClientEmail == "" || meta.PrivateKey == "" {
		return nil, errors.New("service account: project_id, client_email and private_key are required")
	}
	conf, err := google.JWTConfigFromJSON(raw, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	return &ServiceAccount{ProjectID: meta.ProjectID, TokenURI: conf.TokenURL, conf: conf}, nil
}

type FCMConfig struct {
	Account    *ServiceAccount
	Endpoint   string // base URL, overridable for tests
	HTTPClient *http.Client
}

// FCMClient sends data messages through the FCM HTTP v1 API. Access tokens
// come from the service account's JWT bearer flow and are reused until they
// expire.
type FCMClient struct {
	projectID string
	endpoint  string
	http      *http.Client
}

func NewFCMClient(cfg FCMConfig) (*FCMClient, error) {
	if cfg.Account == nil || cfg.Account.conf == nil {
		return nil, errors.New("fcm: service account is required")
	}
	if _, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.Account.conf.PrivateKey); err != nil {
		return nil, fmt.Errorf("fcm: private key: %w", err)
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultFCMEndpoint
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	// token refreshes outlive any single send, so they get their own context
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return &FCMClient{
		projectID: cfg.Account.ProjectID,
		endpoint:  endpoint,
		http:      oauth2.NewClient(ctx, cfg.Account.conf.TokenSource(ctx)),
	}, nil
}

// Send delivers n to one registration token. A 404, or a 403 carrying
// SENDER_ID_MISMATCH, yields ErrTargetGone.
func (c *FCMClient) Send(ctx context.Context, token string, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"token":   token,
			"data":    n.Data(),
			"android": map[string]any{"priority": "high"},
			"apns":    map[string]any{"headers": map[string]string{"apns-priority": "10"}},
			"webpush": map[string]any{"headers": map[string]string{"Urgency": "high"}},
		},
	})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.endpoint, url.PathEscape(c.projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fcm: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound ||
		(resp.StatusCode == http.StatusForbidden && bytes.Contains(text, []byte("SENDER_ID_MISMATCH"))) {
		return fmt.Errorf("fcm: HTTP %d: %w", resp.StatusCode, ErrTargetGone)
	}
	return fmt.Errorf("fcm: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
}
