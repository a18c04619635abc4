package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertAccount         = `INSERT INTO accounts(id, username, display_name, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectAccountColumns  = `SELECT id, username, display_name, web_public_key, web_private_key, created_at FROM accounts`
	sqlSelectAccByUsername   = sqlSelectAccountColumns + ` WHERE username = ?`
	sqlSelectAccById         = sqlSelectAccountColumns + ` WHERE id = ?`
	sqlSelectAccountsOrdered = sqlSelectAccountColumns + ` ORDER BY username`
)

// ErrAccountExists is returned by CreateAccount when the username is taken.
var ErrAccountExists = errors.New("account already exists")

func (db *DB) CreateAccount(ctx context.Context, acc *domain.Account) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE username = ?`, acc.Username).Scan(&existing)
		if err == nil {
			return ErrAccountExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlInsertAccount, acc.Id, acc.Username, acc.DisplayName, acc.WebPublicKey, acc.WebPrivateKey, toMillis(acc.CreatedAt))
		return err
	})
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccByUsername, username))
}

func (db *DB) ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccById, id))
}

func (db *DB) ReadAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAccountsOrdered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var createdAt int64
	err := row.Scan(&acc.Id, &acc.Username, &acc.DisplayName, &acc.WebPublicKey, &acc.WebPrivateKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = fromMillis(createdAt)
	return &acc, nil
}
