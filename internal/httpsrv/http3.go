package httpsrv

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/kaze-rt/kaze/internal/logx"
)

// HTTP3Front serves the same doc root over HTTP/3 on a UDP port. QUIC runs
// its own UDP event loop, so the front lives beside the reactor rather than
// on it; it exists for clients that negotiate h3.
type HTTP3Front struct {
	srv  *http3.Server
	pc   net.PacketConn
	addr string
	done chan struct{}
}

// NewHTTP3Front creates a front bound to addr (host:port, ":0" for an
// ephemeral port) serving docRoot. tlsCfg may be nil, in which case a
// self-signed config is generated.
func NewHTTP3Front(addr, docRoot string, tlsCfg *tls.Config) (*HTTP3Front, error) {
	if tlsCfg == nil {
		var err error
		tlsCfg, err = SelfSignedTLS([]string{"localhost", "127.0.0.1"})
		if err != nil {
			return nil, err
		}
	}
	h := http.FileServer(http.Dir(docRoot))
	return &HTTP3Front{
		srv:  &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: h},
		addr: addr,
		done: make(chan struct{}),
	}, nil
}

// Start binds the UDP socket and begins serving. It returns the actual
// bound address.
func (f *HTTP3Front) Start() (string, error) {
	pc, err := net.ListenPacket("udp", f.addr)
	if err != nil {
		return "", err
	}
	f.pc = pc
	go func() {
		defer close(f.done)
		if err := f.srv.Serve(pc); err != nil {
			logx.Logger().Debug("http3 serve ended", zap.Error(err))
		}
	}()
	real := pc.LocalAddr().String()
	logx.Logger().Info("http3 front started", zap.String("addr", real))
	return real, nil
}

// Stop closes the UDP socket and waits briefly for the serve loop.
func (f *HTTP3Front) Stop() {
	if f.pc != nil {
		_ = f.pc.Close()
	}
	select {
	case <-f.done:
	case <-time.After(time.Second):
	}
}

// SelfSignedTLS builds an in-memory self-signed TLS config advertising h3,
// for local and development use.
func SelfSignedTLS(hosts []string) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h3"},
	}, nil
}
