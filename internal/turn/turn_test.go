package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIssue(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	issuer := NewIssuer("turn-secret", []string{"turn:turn.example.com:3478"}, time.Hour)
	issuer.now = func() time.Time { return base }

	t.Run("embeds the expiry in the username", func(t *testing.T) {
		creds := issuer.Issue("user-1")
		assert.Equal(t, fmt.Sprintf("%d:user-1", base.Add(time.Hour).Unix()), creds.Username)
		assert.Equal(t, []string{"turn:turn.example.com:3478"}, creds.URLs)
		assert.Equal(t, 3600, creds.TTLSec)
	})

	t.Run("signs the username with the shared secret", func(t *testing.T) {
		creds := issuer.Issue("user-1")

		mac := hmac.New(sha1.New, []byte("turn-secret"))
		mac.Write([]byte(creds.Username))
		assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), creds.Credential)
	})

	t.Run("issues different credentials per user", func(t *testing.T) {
		a := issuer.Issue("user-1")
		b := issuer.Issue("user-2")
		assert.NotEqual(t, a.Credential, b.Credential)
	})
}
