package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

var compressibleTypes = []string{
	"application/json",
	"text/html",
	"text/plain",
}

// compressResponse сжимает ответы перечисленных типов для клиентов с gzip.
var compressResponse = chimiddleware.Compress(gzip.DefaultCompression, compressibleTypes...)

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (r gzipReadCloser) Close() error {
	if err := r.Reader.Close(); err != nil {
		return err
	}
	return r.body.Close()
}

func decompressRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			r.Body = gzipReadCloser{Reader: zr, body: r.Body}
			r.Header.Del("Content-Encoding")
		}

		next.ServeHTTP(w, r)
	})
}

// GzipMiddleware распаковывает сжатые запросы и сжимает JSON и HTML ответы для клиентов с gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	return decompressRequest(compressResponse(next))
}
