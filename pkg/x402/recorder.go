package x402

import (
	"bytes"
	"net/http"
)

// bufferedResponse holds a downstream response until the payment settles.
// Nothing reaches the client until flush is called.
type bufferedResponse struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.statusCode == 0 {
		b.statusCode = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.statusCode == 0 {
		b.statusCode = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) status() int {
	if b.statusCode == 0 {
		return http.StatusOK
	}
	return b.statusCode
}

func (b *bufferedResponse) succeeded() bool {
	return b.status() < http.StatusBadRequest
}

// flush copies the buffered response to w. Headers already set on w are kept
// unless the downstream handler set the same key.
func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status())
	_, _ = w.Write(b.body.Bytes())
}
