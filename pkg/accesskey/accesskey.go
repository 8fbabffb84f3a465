// Package accesskey implements the access-key repository: the
// authoritative list of Shadowsocks credentials, port reservation,
// persistence, and data-limit enforcement (spec.md §4.7, component C7 —
// "the hard core").
package accesskey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"

	"github.com/Jigsaw-Code/shadowbox/pkg/serverconfig"
)

// DefaultCipher is the encryption method assigned to every newly created
// access key. Existing keys loaded from disk keep whatever cipher they
// were created with (spec.md §3's "legacy values preserved on load").
const DefaultCipher = "chacha20-ietf-poly1305"

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const passwordLength = 12

// AccessKey is the repository's read view: a persisted key plus the
// fields derived at read time.
type AccessKey struct {
	ID               string
	MetricsID        string
	Name             string
	Password         string
	Port             int
	EncryptionMethod string
	DataLimit        *serverconfig.DataLimit
	IsOverDataLimit  bool
	AccessURL        string
}

// persistedKey is the on-disk shape of a single access key.
type persistedKey struct {
	ID               string                  `json:"id"`
	MetricsID        string                  `json:"metricsId"`
	Name             string                  `json:"name"`
	Password         string                  `json:"password"`
	Port             int                     `json:"port"`
	EncryptionMethod string                  `json:"encryptionMethod"`
	DataLimit        *serverconfig.DataLimit `json:"dataLimit,omitempty"`
}

// document is the on-disk shape of shadowbox_config.json.
type document struct {
	AccessKeys []persistedKey `json:"accessKeys"`
	NextID     int            `json:"nextId"`
}

// randomPassword returns a 12-character alphanumeric password drawn from a
// CSPRNG (spec.md §3).
func randomPassword() (string, error) {
	b := make([]byte, passwordLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b), nil
}

// accessURL renders the SIP002 ss:// URI for a key (spec.md §6).
func accessURL(method, password, hostname string, port int, name string) string {
	userinfo := base64.RawURLEncoding.EncodeToString([]byte(method + ":" + password))
	u := url.URL{
		Scheme:   "ss",
		User:     url.User(userinfo),
		Host:     fmt.Sprintf("%s:%d", hostname, port),
		Path:     "/",
		RawQuery: "outline=1",
		Fragment: name,
	}
	return u.String()
}

// toView converts a persisted key plus derived state into the repository's
// read view.
func toView(pk persistedKey, hostname string, isOver bool) AccessKey {
	return AccessKey{
		ID:               pk.ID,
		MetricsID:        pk.MetricsID,
		Name:             pk.Name,
		Password:         pk.Password,
		Port:             pk.Port,
		EncryptionMethod: pk.EncryptionMethod,
		DataLimit:        pk.DataLimit,
		IsOverDataLimit:  isOver,
		AccessURL:        accessURL(pk.EncryptionMethod, pk.Password, hostname, pk.Port, pk.Name),
	}
}
