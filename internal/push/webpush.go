package push

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	defaultTTL  = 60
	vapidExpiry = 12 * time.Hour
)

type WebPushConfig struct {
	// VAPID keys, base64url: the 65-byte uncompressed public point and the
	// 32-byte private scalar.
	PublicKey  string
	PrivateKey string
	Subject    string // mailto: or https: contact
	TTL        int
	HTTPClient *http.Client
}

// WebPushClient sends aes128gcm encrypted payloads authenticated with VAPID.
type WebPushClient struct {
	pub     string
	priv    string
	subject string
	ttl     int
	http    *http.Client
	now     func() time.Time
}

func NewWebPushClient(cfg WebPushConfig) (*WebPushClient, error) {
	d, err := decodeB64(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("webpush: private key: %w", err)
	}
	key, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("webpush: private key: %w", err)
	}
	pubBytes := key.PublicKey().Bytes()
	if cfg.PublicKey != "" {
		given, err := decodeB64(cfg.PublicKey)
		if err != nil || !bytes.Equal(given, pubBytes) {
			return nil, errors.New("webpush: public key does not match private key")
		}
	}
	if cfg.Subject == "" {
		return nil, errors.New("webpush: subject is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebPushClient{
		pub:     base64.RawURLEncoding.EncodeToString(pubBytes),
		priv:    base64.RawURLEncoding.EncodeToString(d),
		subject: cfg.Subject,
		ttl:     ttl,
		http:    hc,
		now:     time.Now,
	}, nil
}

// GenerateVAPIDKeys returns a fresh base64url key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

// PublicKey is the applicationServerKey browsers subscribe with.
func (c *WebPushClient) PublicKey() string { return c.pub }

// Send encrypts payload for sub and posts it to the push service. 404 and
// 410 yield ErrTargetGone.
func (c *WebPushClient) Send(ctx context.Context, sub Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      c.http,
		Subscriber:      c.subject,
		TTL:             c.ttl,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  c.pub,
		VAPIDPrivateKey: c.priv,
		VapidExpiration: c.now().Add(vapidExpiry),
	})
	if err != nil {
		return fmt.Errorf("webpush: send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("webpush: HTTP %d: %w", resp.StatusCode, ErrTargetGone)
	default:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webpush: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
}

func decodeB64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "+/") {
		return base64.RawStdEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
