package httpsrv

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaze-rt/kaze/internal/bytebuf"
	"github.com/kaze-rt/kaze/internal/ioman"
	"github.com/kaze-rt/kaze/internal/netaddr"
)

func writeDocRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"),
		[]byte("<html><body>welcome</body></html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"),
		[]byte("hello from disk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "404.html"),
		[]byte("<html>custom not found</html>"), 0o644))
	return dir
}

func TestResponseStaticFile(t *testing.T) {
	dir := writeDocRoot(t)
	var resp Response
	resp.Init(dir, "/hello.txt", false, 0)

	buf := bytebuf.New(256)
	resp.Make(buf)
	out := string(buf.Peek())

	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, out, "Content-Type: text/plain\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, "hello from disk")
}

func TestResponseMissingFileUsesErrorPage(t *testing.T) {
	dir := writeDocRoot(t)
	var resp Response
	resp.Init(dir, "/nope.html", false, 0)

	buf := bytebuf.New(256)
	resp.Make(buf)
	out := string(buf.Peek())

	assert.Contains(t, out, "HTTP/1.1 404 Not Found\r\n")
	assert.Contains(t, out, "custom not found")
}

func TestResponseRejectsTraversal(t *testing.T) {
	dir := writeDocRoot(t)
	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o644))

	var resp Response
	resp.Init(dir, "/../"+filepath.Base(filepath.Dir(secret))+"/secret.txt", false, 0)
	buf := bytebuf.New(256)
	resp.Make(buf)
	assert.NotContains(t, string(buf.Peek()), "secret")
}

func TestServerEndToEnd(t *testing.T) {
	dir := writeDocRoot(t)
	iom := ioman.New(2, false, "http")
	defer iom.Stop()

	srv := NewServer(iom, "http", dir)
	require.NoError(t, srv.Bind(netaddr.Loopback(0)))
	srv.Start()
	defer srv.Stop()

	// Keep-alive would leave parked reads behind; the manager cannot stop
	// until every connection is gone.
	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}

	res, err := client.Get(fmt.Sprintf("http://%s/hello.txt", srv.Addr()))
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello from disk", string(body))

	res, err = client.Get(fmt.Sprintf("http://%s/", srv.Addr()))
	require.NoError(t, err)
	body, err = io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Contains(t, string(body), "welcome")

	res, err = client.Get(fmt.Sprintf("http://%s/missing", srv.Addr()))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, 404, res.StatusCode)
}

func TestServerKeepAlive(t *testing.T) {
	dir := writeDocRoot(t)
	iom := ioman.New(1, false, "keepalive")
	defer iom.Stop()

	srv := NewServer(iom, "keepalive", dir)
	require.NoError(t, srv.Bind(netaddr.Loopback(0)))
	srv.Start()
	defer srv.Stop()

	// Two sequential requests over one client: net/http reuses the
	// connection when the server honors keep-alive.
	client := &http.Client{Timeout: 2 * time.Second}
	defer client.CloseIdleConnections() // unparks the handler before Stop
	for i := 0; i < 2; i++ {
		res, err := client.Get(fmt.Sprintf("http://%s/hello.txt", srv.Addr()))
		require.NoError(t, err)
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		assert.Equal(t, 200, res.StatusCode)
	}
}

func TestHTTP3FrontRoundTrip(t *testing.T) {
	dir := writeDocRoot(t)
	front, err := NewHTTP3Front("127.0.0.1:0", dir, nil)
	require.NoError(t, err)
	addr, err := front.Start()
	require.NoError(t, err)
	defer front.Stop()

	tr := &http3.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
	}
	defer tr.Close()
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	res, err := client.Get(fmt.Sprintf("https://%s/hello.txt", addr))
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello from disk", string(body))
}
