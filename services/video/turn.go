package video

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/config"
)

// IceServer is one entry of the ICE server list handed to clients.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TurnCredentials is a short-lived TURN username/password pair.
type TurnCredentials struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	TTL       int64     `json:"ttl"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TURNProvider derives time-limited TURN credentials from a shared secret,
// following the long-term credential mechanism used by coturn: username is
// "expiry:userID", password is base64(HMAC-SHA256(secret, username)).
type TURNProvider struct {
	cfg config.VideoConfig
}

// NewTURNProvider builds a provider over the video config.
func NewTURNProvider(cfg config.VideoConfig) *TURNProvider {
	return &TURNProvider{cfg: cfg}
}

// Credentials mints a credential pair for the user.
func (t *TURNProvider) Credentials(userID uuid.UUID) TurnCredentials {
	expiresAt := time.Now().Add(t.cfg.CredentialTTL)
	username := fmt.Sprintf("%d:%s", expiresAt.Unix(), userID)

	mac := hmac.New(sha256.New, []byte(t.cfg.TURNSecret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return TurnCredentials{
		Username:  username,
		Password:  password,
		TTL:       int64(t.cfg.CredentialTTL.Seconds()),
		ExpiresAt: expiresAt,
	}
}

// Verify checks a credential pair and its expiry window.
func (t *TURNProvider) Verify(username, password string) bool {
	var expiry int64
	var user string
	if _, err := fmt.Sscanf(username, "%d:%s", &expiry, &user); err != nil {
		return false
	}
	if time.Now().Unix() > expiry {
		return false
	}

	mac := hmac.New(sha256.New, []byte(t.cfg.TURNSecret))
	mac.Write([]byte(username))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(password))
}

// IceServers returns the STUN list plus TURN entries with fresh credentials.
func (t *TURNProvider) IceServers(userID uuid.UUID) []IceServer {
	servers := []IceServer{}
	if len(t.cfg.STUNServers) > 0 {
		servers = append(servers, IceServer{URLs: t.cfg.STUNServers})
	}
	if t.cfg.TURNSecret != "" && len(t.cfg.TURNServers) > 0 {
		creds := t.Credentials(userID)
		servers = append(servers, IceServer{
			URLs:       t.cfg.TURNServers,
			Username:   creds.Username,
			Credential: creds.Password,
		})
	}
	return servers
}
