package httpsrv

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kaze-rt/kaze/internal/bytebuf"
)

var codeStatus = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

var codePage = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

var suffixType = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".txt":  "text/plain",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".xml":  "text/xml",
	".png":  "image/png",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".ico":  "image/x-icon",
	".mp4":  "video/mp4",
	".pdf":  "application/pdf",
	".gz":   "application/x-gzip",
	".tar":  "application/x-tar",
}

// Response builds a static-file HTTP response into a byte buffer.
type Response struct {
	Code      int
	keepAlive bool
	reqPath   string
	docRoot   string
}

// Init prepares a response for one request. code <= 0 means "decide from
// the filesystem".
func (r *Response) Init(docRoot, reqPath string, keepAlive bool, code int) {
	r.docRoot = docRoot
	r.reqPath = reqPath
	r.keepAlive = keepAlive
	r.Code = code
}

// Make writes the full response into buf.
func (r *Response) Make(buf *bytebuf.Buffer) {
	body, ok := r.loadFile()
	if r.Code <= 0 {
		r.Code = 200
	}
	if !ok {
		if errBody, found := r.loadErrorPage(); found {
			body = errBody
		} else {
			body = r.fallbackErrorContent()
		}
	}
	r.writeStatusLine(buf)
	r.writeHeaders(buf, len(body))
	buf.Append(body)
}

// loadFile resolves the request path inside the doc root, rejecting
// traversal outside it, and updates the status code accordingly.
func (r *Response) loadFile() ([]byte, bool) {
	if r.Code >= 400 {
		return nil, false
	}
	clean := path.Clean("/" + r.reqPath)
	full := filepath.Join(r.docRoot, filepath.FromSlash(clean))

	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		r.Code = 404
		return nil, false
	}
	if st.Mode().Perm()&0o004 == 0 {
		r.Code = 403
		return nil, false
	}
	body, err := os.ReadFile(full)
	if err != nil {
		r.Code = 403
		return nil, false
	}
	r.Code = 200
	return body, true
}

func (r *Response) loadErrorPage() ([]byte, bool) {
	page, ok := codePage[r.Code]
	if !ok {
		return nil, false
	}
	body, err := os.ReadFile(filepath.Join(r.docRoot, filepath.FromSlash(page)))
	if err != nil {
		return nil, false
	}
	r.reqPath = page
	return body, true
}

func (r *Response) fallbackErrorContent() []byte {
	status := codeStatus[r.Code]
	r.reqPath = "/error.html"
	return []byte(fmt.Sprintf(
		"<html><title>Error</title><body><p>%d : %s</p></body></html>",
		r.Code, status))
}

func (r *Response) writeStatusLine(buf *bytebuf.Buffer) {
	status, ok := codeStatus[r.Code]
	if !ok {
		r.Code = 400
		status = codeStatus[400]
	}
	buf.AppendString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", r.Code, status))
}

func (r *Response) writeHeaders(buf *bytebuf.Buffer, contentLen int) {
	conn := "close"
	if r.keepAlive {
		conn = "keep-alive"
		buf.AppendString("Keep-Alive: max=6, timeout=120\r\n")
	}
	buf.AppendString("Connection: " + conn + "\r\n")
	buf.AppendString("Content-Type: " + r.contentType() + "\r\n")
	buf.AppendString(fmt.Sprintf("Content-Length: %d\r\n\r\n", contentLen))
}

func (r *Response) contentType() string {
	ext := strings.ToLower(path.Ext(r.reqPath))
	if t, ok := suffixType[ext]; ok {
		return t
	}
	return "text/plain"
}
