// Package turn は音声・映像のP2P中継に使う一時的なTURN資格情報を発行します
// coturnのstatic-auth-secret方式（有効期限付きユーザー名とHMAC）に対応しています
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// Credentials はクライアントへ返す一時的なTURN資格情報
type Credentials struct {
	URLs       []string `json:"urls"`       // TURNサーバーのURL一覧
	Username   string   `json:"username"`   // 有効期限:ユーザーID 形式のユーザー名
	Credential string   `json:"credential"` // ユーザー名に対するHMAC-SHA1署名
	TTLSec     int      `json:"ttl"`        // 有効期間（秒）
}

// Issuer は一時資格情報の発行器
type Issuer struct {
	secret string
	urls   []string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, urls []string, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, urls: urls, ttl: ttl, now: time.Now}
}

// Issue はユーザーIDに紐づく一時資格情報を発行します
func (i *Issuer) Issue(userId string) Credentials {
	expiry := i.now().Add(i.ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, userId)

	mac := hmac.New(sha1.New, []byte(i.secret))
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{
		URLs:       i.urls,
		Username:   username,
		Credential: credential,
		TTLSec:     int(i.ttl.Seconds()),
	}
}
