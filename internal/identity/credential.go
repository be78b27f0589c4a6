package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"onvif-camera-gateway/internal/models"
)

// ComputeDeviceKey 由组注册密钥派生设备密钥：
// base64(HMAC-SHA256(key = base64decode(provisioningKey), msg = deviceID))
func ComputeDeviceKey(deviceID, provisioningKey string) (string, error) {
	return sign(provisioningKey, deviceID)
}

// SASToken 生成 SharedAccessSignature 令牌，policy 为空时不带 skn
func SASToken(resourceURI, key string, expiry time.Time, policy string) (string, error) {
	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)

	sig, err := sign(key, sr+"\n"+se)
	if err != nil {
		return "", err
	}

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
	if policy != "" {
		token += "&skn=" + policy
	}
	return token, nil
}

func sign(key, message string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 key: %v", models.ErrProvisioning, err)
	}
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
