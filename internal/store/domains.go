package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetDomain finds an active domain by name.
func GetDomain(ctx context.Context, q DBTX, name string) (*Domain, error) {
	var d Domain
	err := q.QueryRowContext(ctx,
		`SELECT id, name, is_active, dkim_selector,
		        COALESCE(dkim_private_key, ''), COALESCE(dkim_public_key, ''), dmarc_policy
		 FROM domains WHERE name = ? AND is_active = TRUE`,
		name,
	).Scan(&d.ID, &d.Name, &d.IsActive, &d.DKIMSelector,
		&d.DKIMPrivateKey, &d.DKIMPublicKey, &d.DMARCPolicy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDomainNotFound
		}
		return nil, fmt.Errorf("failed to query domain %s: %w", name, err)
	}
	return &d, nil
}

// IsLocalDomain reports whether name is an active local domain.
func IsLocalDomain(ctx context.Context, q DBTX, name string) (bool, error) {
	_, err := GetDomain(ctx, q, name)
	if errors.Is(err, ErrDomainNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateDomain inserts a new local domain.
func CreateDomain(ctx context.Context, q DBTX, d *Domain) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO domains (name, is_active, dkim_selector, dkim_private_key, dkim_public_key, dmarc_policy)
		 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		d.Name, d.IsActive, d.DKIMSelector, d.DKIMPrivateKey, d.DKIMPublicKey, d.DMARCPolicy,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create domain %s: %w", d.Name, err)
	}
	return res.LastInsertId()
}
