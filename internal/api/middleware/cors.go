package middleware

import (
	"net/http"
	"os"
	"strings"
	"sync"
)

// allowedOrigins - множество разрешенных origins, загружается один раз
// из CORS_ALLOWED_ORIGINS (через запятую). Пустое значение или "*"
// разрешает все origins (режим разработки).
var (
	corsOnce       sync.Once
	allowedOrigins map[string]struct{}
	corsAllowAll   bool
)

func loadAllowedOrigins() {
	allowedOrigins = make(map[string]struct{})

	env := os.Getenv("CORS_ALLOWED_ORIGINS")
	if env == "" || env == "*" {
		corsAllowAll = true
		return
	}

	for _, origin := range strings.Split(env, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowedOrigins[origin] = struct{}{}
		}
	}
}

func isOriginAllowed(origin string) bool {
	corsOnce.Do(loadAllowedOrigins)
	if corsAllowAll {
		return true
	}
	_, ok := allowedOrigins[origin]
	return ok
}

// CORS - middleware для обработки Cross-Origin запросов
//
// Разрешенные origins получают конкретный Access-Control-Allow-Origin
// с credentials; запросы без Origin (curl, API-инструменты) проходят
// с wildcard. Preflight (OPTIONS) завершается сразу с 200.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && isOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
