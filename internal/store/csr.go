// ABOUTME: CSR request entity and store methods for the certificate flow
// ABOUTME: Issued certificates are stored so re-collection returns the identical artifact

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CSRRequest represents a submitted certificate signing request awaiting
// consent, plus the issued artifact once signed.
type CSRRequest struct {
	ConsentID string
	NodeID    string
	CSRPEM    string
	Role      Role
	SubnetID  string
	Scopes    []Scope
	CertPEM   string
	ChainPEM  string
	CreatedAt time.Time
}

// CreateCSRRequest inserts a new CSR request keyed by its consent.
func (s *SQLiteStore) CreateCSRRequest(ctx context.Context, r *CSRRequest) error {
	scopes, err := marshalScopeList(DedupScopes(r.Scopes))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO csr_requests (consent_id, node_id, csr_pem, role, subnet_id, scopes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ConsentID, r.NodeID, r.CSRPEM, r.Role, r.SubnetID, scopes, formatTime(r.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting csr request: %w", err)
	}

	s.logger.Debug("created csr request", "consent_id", r.ConsentID, "node_id", r.NodeID)
	return nil
}

// GetCSRRequest retrieves a CSR request by consent ID.
func (s *SQLiteStore) GetCSRRequest(ctx context.Context, consentID string) (*CSRRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT consent_id, node_id, csr_pem, role, subnet_id, scopes, cert_pem, chain_pem, created_at
		FROM csr_requests WHERE consent_id = ?
	`, consentID)

	var r CSRRequest
	var scopes, createdAt string
	var certPEM, chainPEM sql.NullString

	err := row.Scan(&r.ConsentID, &r.NodeID, &r.CSRPEM, &r.Role, &r.SubnetID,
		&scopes, &certPEM, &chainPEM, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning csr request: %w", err)
	}

	if r.Scopes, err = unmarshalScopeList(scopes); err != nil {
		return nil, err
	}
	r.CertPEM = certPEM.String
	r.ChainPEM = chainPEM.String
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// StoreIssuedCertificate records the signed certificate for a CSR request.
// A second write for the same consent is ignored so the first issued
// artifact stays authoritative.
func (s *SQLiteStore) StoreIssuedCertificate(ctx context.Context, consentID, certPEM, chainPEM string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE csr_requests SET cert_pem = ?, chain_pem = ?
		WHERE consent_id = ? AND cert_pem IS NULL
	`, certPEM, chainPEM, consentID)
	if err != nil {
		return fmt.Errorf("storing issued certificate: %w", err)
	}
	return nil
}
