package httpcache

import "net/http"

// recorder passes writes through to the client while keeping a copy of
// the status and body for the cache.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        []byte
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}
