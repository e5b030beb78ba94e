package payment

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const macField = "CheckMacValue"

// ECPay signs with .NET UrlEncode output, which leaves these unescaped and
// escapes '~'.
var dotnetEncoding = strings.NewReplacer(
	"%2d", "-",
	"%5f", "_",
	"%2e", ".",
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
	"~", "%7e",
)

// Sign computes the SHA256 CheckMacValue for params. Any CheckMacValue
// already present in params is ignored.
func Sign(params map[string]string, hashKey, hashIV string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != macField {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(hashKey)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&HashIV=")
	b.WriteString(hashIV)

	encoded := dotnetEncoding.Replace(strings.ToLower(url.QueryEscape(b.String())))
	sum := sha256.Sum256([]byte(encoded))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify checks the CheckMacValue carried in params. Empty secrets never
// verify, since anyone can sign with them.
func Verify(params map[string]string, hashKey, hashIV string) bool {
	if hashKey == "" || hashIV == "" {
		return false
	}
	got := strings.ToUpper(strings.TrimSpace(params[macField]))
	if got == "" {
		return false
	}
	want := Sign(params, hashKey, hashIV)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
