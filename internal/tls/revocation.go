package tls

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// maxRevocationResponse bounds OCSP responses and CRLs read from the network.
const maxRevocationResponse = 10 << 20

var (
	// ErrRevoked is returned when a certificate in the checked part of the
	// chain has been revoked.
	ErrRevoked = errors.New("certificate revoked")

	// ErrRevocationUnknown is returned when no usable revocation status could
	// be obtained. Checking fails closed.
	ErrRevocationUnknown = errors.New("revocation status unavailable")
)

// RevocationChecker verifies revocation status of verified peer chains using
// stapled OCSP responses, OCSP responders and CRL distribution points, in
// that order.
type RevocationChecker struct {
	client *http.Client
	now    func() time.Time
}

// NewRevocationChecker returns a checker that fetches OCSP responses and CRLs
// with client. A nil client gets a default with a 10 second timeout.
func NewRevocationChecker(client *http.Client) *RevocationChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RevocationChecker{client: client, now: time.Now}
}

// Check inspects the first verified chain of cs. For RevocationLeaf only the
// end-entity certificate is checked, for RevocationChain every certificate
// that has an issuer in the chain.
func (c *RevocationChecker) Check(ctx context.Context, cs tls.ConnectionState, mode RevocationMode) error {
	if mode == RevocationOff || mode == "" {
		return nil
	}
	if len(cs.VerifiedChains) == 0 || len(cs.VerifiedChains[0]) == 0 {
		return fmt.Errorf("%w: no verified chain", ErrRevocationUnknown)
	}

	chain := cs.VerifiedChains[0]
	n := len(chain) - 1
	if mode == RevocationLeaf && n > 1 {
		n = 1
	}

	for i := 0; i < n; i++ {
		var staple []byte
		if i == 0 {
			staple = cs.OCSPResponse
		}
		if err := c.checkCert(ctx, chain[i], chain[i+1], staple); err != nil {
			return fmt.Errorf("certificate %q: %w", chain[i].Subject.String(), err)
		}
	}
	return nil
}

func (c *RevocationChecker) checkCert(ctx context.Context, cert, issuer *x509.Certificate, staple []byte) error {
	if len(staple) > 0 {
		err := c.checkOCSPResponse(staple, cert, issuer)
		if err == nil || errors.Is(err, ErrRevoked) {
			return err
		}
	}

	var errs []error
	for _, server := range cert.OCSPServer {
		der, err := c.queryOCSP(ctx, server, cert, issuer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = c.checkOCSPResponse(der, cert, issuer)
		if err == nil || errors.Is(err, ErrRevoked) {
			return err
		}
		errs = append(errs, err)
	}

	for _, url := range cert.CRLDistributionPoints {
		err := c.checkCRL(ctx, url, cert, issuer)
		if err == nil || errors.Is(err, ErrRevoked) {
			return err
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return fmt.Errorf("%w: no OCSP responder or CRL distribution point", ErrRevocationUnknown)
	}
	return fmt.Errorf("%w: %w", ErrRevocationUnknown, errors.Join(errs...))
}

func (c *RevocationChecker) checkOCSPResponse(der []byte, cert, issuer *x509.Certificate) error {
	resp, err := ocsp.ParseResponseForCert(der, cert, issuer)
	if err != nil {
		return fmt.Errorf("parse OCSP response: %w", err)
	}
	if !resp.NextUpdate.IsZero() && c.now().After(resp.NextUpdate) {
		return fmt.Errorf("stale OCSP response, next update was %s", resp.NextUpdate.Format(time.RFC3339))
	}

	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w at %s", ErrRevoked, resp.RevokedAt.Format(time.RFC3339))
	default:
		return fmt.Errorf("OCSP status unknown for serial %s", cert.SerialNumber)
	}
}

func (c *RevocationChecker) queryOCSP(ctx context.Context, server string, cert, issuer *x509.Certificate) ([]byte, error) {
	body, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("create OCSP request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create OCSP HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	return c.fetch(req)
}

func (c *RevocationChecker) checkCRL(ctx context.Context, url string, cert, issuer *x509.Certificate) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create CRL request: %w", err)
	}
	der, err := c.fetch(req)
	if err != nil {
		return err
	}

	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return fmt.Errorf("parse CRL: %w", err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("CRL signature: %w", err)
	}
	if !crl.NextUpdate.IsZero() && c.now().After(crl.NextUpdate) {
		return fmt.Errorf("stale CRL from %s", url)
	}

	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return fmt.Errorf("%w at %s", ErrRevoked, entry.RevocationTime.Format(time.RFC3339))
		}
	}
	return nil
}

func (c *RevocationChecker) fetch(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRevocationResponse))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.URL, err)
	}
	return data, nil
}
