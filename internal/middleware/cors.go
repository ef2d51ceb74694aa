package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, " + UserIDHeader
)

// NewCORSMiddleware はカンマ区切りで指定されたオリジンに対するCORSミドルウェアを返す。
//
// credentialsと共存するため、ワイルドカードは使わずリクエストのOriginを
// 許可リストと照合してそのまま返す。許可されないOriginにはCORSヘッダーを付けない。
// OPTIONSプリフライトには許可の有無にかかわらず204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	allowed := parseOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			if origin := matchOrigin(allowed, r.Header.Get("Origin")); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// matchOrigin はOriginヘッダーが許可リストに含まれればその値を返す。
// Originがないリクエスト(同一オリジンやサーバー間通信)では
// 先頭の許可オリジンを返す。
func matchOrigin(allowed []string, origin string) string {
	if len(allowed) == 0 {
		return ""
	}
	if origin == "" {
		return allowed[0]
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}
