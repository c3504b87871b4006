package middleware

import (
	"net/http"
	"runtime/debug"

	"dexflow/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic в HTTP handlers и предотвращает падение всего
// сервера: логирует ошибку со stack trace и возвращает клиенту 500.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				utils.Logger().Errorw("Panic in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()))

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
