// Package media はメディア準備状態サービスへの窓口を提供します
// 本体の同期ロジックからは「再生を始めてよいか」だけを問い合わせます
package media

import (
	"context"
	"net/http"
	"time"
)

// ReadinessChecker はメディア参照が再生可能かどうかを判定するインターフェース
type ReadinessChecker interface {
	Ready(ctx context.Context, mediaRef string) (bool, error)
}

// HTTPManifestChecker はマニフェストURLへHEADリクエストを送って
// 再生可能かどうかを判定します
type HTTPManifestChecker struct {
	client *http.Client
}

func NewHTTPManifestChecker() *HTTPManifestChecker {
	return &HTTPManifestChecker{
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *HTTPManifestChecker) Ready(ctx context.Context, mediaRef string) (bool, error) {
	if mediaRef == "" {
		// メディア未設定のルームは同期再生の対象外なのでブロックしない
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaRef, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// AlwaysReady は常に再生可能と判定します（開発・テスト用）
type AlwaysReady struct{}

func (AlwaysReady) Ready(ctx context.Context, mediaRef string) (bool, error) {
	return true, nil
}
