// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/limen/core/csql"
)

// RoleSource resolves the roles held by a subject.
type RoleSource interface {
	Roles(ctx context.Context, subject string) ([]string, error)
}

// StaticRoles is a fixed subject to roles mapping, meant for tests and
// for deployments whose roles are fully embedded in the credential.
type StaticRoles map[string][]string

// Roles implements the RoleSource interface
func (s StaticRoles) Roles(ctx context.Context, subject string) ([]string, error) {
	return s[subject], nil
}

// StoreRoles resolves roles from the account_roles table in the managed
// store, with a short lived per-subject cache in front. The cache keeps
// the role lookup off the hot path, revocations converge within the TTL.
type StoreRoles struct {
	db    *csql.DB
	query string
	ttl   time.Duration

	mutex sync.RWMutex
	cache map[string]rolesEntry
}

type rolesEntry struct {
	roles   []string
	expires time.Time
}

// NewStoreRoles creates the role source and its backing table.
func NewStoreRoles(db *csql.DB, ttl time.Duration) *StoreRoles {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.account_roles
(subject varchar NOT NULL,
role varchar NOT NULL,
PRIMARY KEY(subject, role)
);`)
	if err != nil {
		panic(err)
	}
	if ttl == 0 {
		ttl = time.Minute
	}
	return &StoreRoles{
		db:    db,
		query: fmt.Sprintf("SELECT role FROM %s.account_roles WHERE subject=$1;", db.Schema),
		ttl:   ttl,
		cache: make(map[string]rolesEntry),
	}
}

// Roles implements the RoleSource interface
func (s *StoreRoles) Roles(ctx context.Context, subject string) ([]string, error) {
	s.mutex.RLock()
	entry, ok := s.cache[subject]
	s.mutex.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.roles, nil
	}

	rows, err := s.db.QueryContext(ctx, s.query, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.cache[subject] = rolesEntry{roles: roles, expires: time.Now().Add(s.ttl)}
	s.mutex.Unlock()
	return roles, nil
}

// FunctionAccount is a function account
type FunctionAccount struct {
	Subject string
	Roles   []string
}

// EnsureFunctionAccounts creates the specified function accounts if they do not exist yet
func EnsureFunctionAccounts(db *csql.DB, accounts ...FunctionAccount) error {
	insertQuery := fmt.Sprintf("INSERT INTO %s.account_roles (subject,role) VALUES($1,$2) ON CONFLICT DO NOTHING;", db.Schema)
	for _, account := range accounts {
		for _, role := range account.Roles {
			_, err := db.Exec(insertQuery, account.Subject, role)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
