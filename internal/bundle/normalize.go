package bundle

import (
	"bytes"
	"encoding/base64"
	"strings"
)

const (
	pemHeader = "-----BEGIN PKCS12-----"
	pemFooter = "-----END PKCS12-----"

	textSampleSize      = 4096
	textNonPrintableMax = 0.08
)

// Normalize はテキスト化されたPKCS#12（PEM形式・Base64）をDERに戻す。
// バイナリと判定された入力、または復号できない入力はそのまま返す。
func Normalize(raw []byte) []byte {
	if !looksLikeText(raw) {
		return raw
	}

	text := string(raw)
	if start := strings.Index(text, pemHeader); start >= 0 {
		body := text[start+len(pemHeader):]
		if end := strings.Index(body, pemFooter); end >= 0 {
			if der, ok := DecodeBase64(body[:end]); ok {
				return der
			}
		}
	}

	if der, ok := DecodeBase64(text); ok {
		return der
	}
	return raw
}

// looksLikeText は先頭4096バイトのうち非印字文字が8%未満ならテキストとみなす。
func looksLikeText(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	sample := raw
	if len(sample) > textSampleSize {
		sample = sample[:textSampleSize]
	}

	nonPrintable := 0
	for _, b := range sample {
		switch {
		case b == '\t', b == '\n', b == '\r':
		case b < 0x20, b > 0x7e:
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(sample)) < textNonPrintableMax
}

// DecodeBase64 は空白を除去したうえで厳密にBase64として復号する。
// 再エンコードして一致しない入力（末尾ビットの不一致など）は拒否する。
func DecodeBase64(s string) ([]byte, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			return -1
		}
		return r
	}, s)
	if cleaned == "" || len(cleaned)%4 != 0 {
		return nil, false
	}
	for i := 0; i < len(cleaned); i++ {
		c := cleaned[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '/' || c == '=') {
			return nil, false
		}
	}

	der, err := base64.StdEncoding.Strict().DecodeString(cleaned)
	if err != nil || len(der) == 0 {
		return nil, false
	}
	if !bytes.Equal([]byte(base64.StdEncoding.EncodeToString(der)), []byte(cleaned)) {
		return nil, false
	}
	return der, true
}
