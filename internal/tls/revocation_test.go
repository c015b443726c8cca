package tls

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	standardtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

type testCA struct {
	cert *x509.Certificate
	key  crypto.Signer
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCA{cert: cert, key: key}
}

// issue creates a leaf for localhost, pointing at the given OCSP responder and
// CRL distribution point when non-empty.
func (ca *testCA) issue(t *testing.T, serial int64, ocspURL, crlURL string) (*x509.Certificate, standardtls.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ocspURL != "" {
		tmpl.OCSPServer = []string{ocspURL}
	}
	if crlURL != "" {
		tmpl.CRLDistributionPoints = []string{crlURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return leaf, standardtls.Certificate{
		Certificate: [][]byte{der, ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

func (ca *testCA) ocspResponse(t *testing.T, leaf *x509.Certificate, status int) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: leaf.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
	}
	if status == ocsp.Revoked {
		tmpl.RevokedAt = time.Now().Add(-time.Minute)
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	der, err := ocsp.CreateResponse(ca.cert, ca.cert, tmpl, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

func (ca *testCA) crl(t *testing.T, revoked ...*big.Int) []byte {
	t.Helper()
	var entries []x509.RevocationListEntry
	for _, serial := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Minute),
		NextUpdate:                time.Now().Add(time.Hour),
		RevokedCertificateEntries: entries,
	}, ca.cert, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

// ocspResponder serves a fixed status for every request and counts hits.
func ocspResponder(t *testing.T, ca *testCA, status int, leaf func() *x509.Certificate) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		if _, err := ocsp.ParseRequest(body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(ca.ocspResponse(t, leaf(), status))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func chainState(leaf, issuer *x509.Certificate, staple []byte) standardtls.ConnectionState {
	return standardtls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{leaf, issuer}},
		OCSPResponse:   staple,
	}
}

func TestRevocationChecker_OCSP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "good", status: ocsp.Good},
		{name: "revoked", status: ocsp.Revoked, wantErr: ErrRevoked},
		{name: "unknown", status: ocsp.Unknown, wantErr: ErrRevocationUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ca := newTestCA(t)
			var leaf *x509.Certificate
			srv, hits := ocspResponder(t, ca, tt.status, func() *x509.Certificate { return leaf })
			leaf, _ = ca.issue(t, 42, srv.URL, "")

			err := NewRevocationChecker(srv.Client()).Check(context.Background(), chainState(leaf, ca.cert, nil), RevocationLeaf)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			if hits.Load() != 1 {
				t.Errorf("OCSP responder hits: got %d, want 1", hits.Load())
			}
		})
	}
}

func TestRevocationChecker_StapleFirst(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t)
	var leaf *x509.Certificate
	srv, hits := ocspResponder(t, ca, ocsp.Good, func() *x509.Certificate { return leaf })
	leaf, _ = ca.issue(t, 7, srv.URL, "")

	checker := NewRevocationChecker(srv.Client())

	staple := ca.ocspResponse(t, leaf, ocsp.Good)
	if err := checker.Check(context.Background(), chainState(leaf, ca.cert, staple), RevocationLeaf); err != nil {
		t.Errorf("good staple: unexpected error %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("responder should not be queried with a good staple, got %d hits", hits.Load())
	}

	revoked := ca.ocspResponse(t, leaf, ocsp.Revoked)
	if err := checker.Check(context.Background(), chainState(leaf, ca.cert, revoked), RevocationLeaf); !errors.Is(err, ErrRevoked) {
		t.Errorf("revoked staple: got %v, want ErrRevoked", err)
	}
}

func TestRevocationChecker_CRL(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t)
	revokedSerial := big.NewInt(99)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ca.crl(t, revokedSerial))
	}))
	defer srv.Close()

	good, _ := ca.issue(t, 98, "", srv.URL)
	revoked, _ := ca.issue(t, 99, "", srv.URL)

	checker := NewRevocationChecker(srv.Client())
	if err := checker.Check(context.Background(), chainState(good, ca.cert, nil), RevocationLeaf); err != nil {
		t.Errorf("unlisted serial: unexpected error %v", err)
	}
	if err := checker.Check(context.Background(), chainState(revoked, ca.cert, nil), RevocationLeaf); !errors.Is(err, ErrRevoked) {
		t.Errorf("listed serial: got %v, want ErrRevoked", err)
	}
}

func TestRevocationChecker_FailsClosed(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t)
	leaf, _ := ca.issue(t, 5, "", "")
	checker := NewRevocationChecker(nil)

	err := checker.Check(context.Background(), chainState(leaf, ca.cert, nil), RevocationLeaf)
	if !errors.Is(err, ErrRevocationUnknown) {
		t.Errorf("no revocation sources: got %v, want ErrRevocationUnknown", err)
	}

	err = checker.Check(context.Background(), standardtls.ConnectionState{}, RevocationChain)
	if !errors.Is(err, ErrRevocationUnknown) {
		t.Errorf("no verified chain: got %v, want ErrRevocationUnknown", err)
	}

	if err := checker.Check(context.Background(), chainState(leaf, ca.cert, nil), RevocationOff); err != nil {
		t.Errorf("off: unexpected error %v", err)
	}
}

func TestRevocationChecker_LeafVersusChain(t *testing.T) {
	t.Parallel()

	// root -> intermediate -> leaf; only the intermediate is revoked.
	root := newTestCA(t)
	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	var inter *x509.Certificate
	var leaf *x509.Certificate
	var interCA *testCA

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.SerialNumber.Cmp(inter.SerialNumber) == 0 {
			w.Write(root.ocspResponse(t, inter, ocsp.Revoked))
			return
		}
		w.Write(interCA.ocspResponse(t, leaf, ocsp.Good))
	}))
	defer srv.Close()

	interTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		OCSPServer:            []string{srv.URL},
	}
	der, err := x509.CreateCertificate(rand.Reader, interTmpl, root.cert, &interKey.PublicKey, root.key)
	if err != nil {
		t.Fatal(err)
	}
	inter, err = x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	interCA = &testCA{cert: inter, key: interKey}
	leaf, _ = interCA.issue(t, 3, srv.URL, "")

	cs := standardtls.ConnectionState{VerifiedChains: [][]*x509.Certificate{{leaf, inter, root.cert}}}
	checker := NewRevocationChecker(srv.Client())

	if err := checker.Check(context.Background(), cs, RevocationLeaf); err != nil {
		t.Errorf("leaf mode should only check the end-entity, got %v", err)
	}
	if err := checker.Check(context.Background(), cs, RevocationChain); !errors.Is(err, ErrRevoked) {
		t.Errorf("chain mode: got %v, want ErrRevoked", err)
	}
}

func TestPolicy_RevocationDuringHandshake(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t)
	leaf, serverCert := ca.issue(t, 11, "", "")

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw}), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := BuildPolicy(PolicyConfig{Mode: ModeImplicit, CAFile: caFile, Revocation: RevocationLeaf})
	if err != nil {
		t.Fatal(err)
	}

	good := serverCert
	good.OCSPStaple = ca.ocspResponse(t, leaf, ocsp.Good)
	if err := handshake(t, &standardtls.Config{Certificates: []standardtls.Certificate{good}}, p.Config(context.Background(), "localhost")); err != nil {
		t.Errorf("good staple: unexpected handshake error %v", err)
	}

	revoked := serverCert
	revoked.OCSPStaple = ca.ocspResponse(t, leaf, ocsp.Revoked)
	if err := handshake(t, &standardtls.Config{Certificates: []standardtls.Certificate{revoked}}, p.Config(context.Background(), "localhost")); err == nil {
		t.Error("revoked staple: expected handshake failure")
	}
}
