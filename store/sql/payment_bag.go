package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/lumenwallet/go-sdk/types"
)

const dbFile = "payments.sqlite"

//go:embed migrations/*.sql
var migrations embed.FS

type paymentBag struct {
	db *sql.DB
}

// NewPaymentBag opens (or creates) the sqlite payment store and runs
// the embedded migrations up.
func NewPaymentBag(dir string) (types.PaymentBag, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open payment db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return nil, err
	}
	return &paymentBag{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *paymentBag) SetPreimage(
	ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preimages (hash, preimage) VALUES (?, ?)
		 ON CONFLICT(hash) DO UPDATE SET preimage = excluded.preimage`,
		hash.String(), preimage.String(),
	)
	return err
}

func (s *paymentBag) GetPreimage(
	ctx context.Context, hash lntypes.Hash,
) (lntypes.Preimage, error) {
	var preimageHex string
	err := s.db.QueryRowContext(ctx,
		`SELECT preimage FROM preimages WHERE hash = ?`, hash.String(),
	).Scan(&preimageHex)
	if errors.Is(err, sql.ErrNoRows) {
		return lntypes.Preimage{}, types.ErrPreimageNotFound
	}
	if err != nil {
		return lntypes.Preimage{}, err
	}
	return lntypes.MakePreimageFromStr(preimageHex)
}

func (s *paymentBag) AddInvoice(ctx context.Context, invoice types.Invoice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices
		 (hash, bolt11, amount_msat, description, status, received_msat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		invoice.PaymentHash.String(), invoice.Bolt11, int64(invoice.AmountMsat),
		invoice.Description, int(invoice.Status), int64(invoice.ReceivedMsat),
		invoice.CreatedAt.Unix(),
	)
	return err
}

func (s *paymentBag) GetInvoice(
	ctx context.Context, hash lntypes.Hash,
) (*types.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, bolt11, amount_msat, description, status, received_msat, created_at
		 FROM invoices WHERE hash = ?`, hash.String(),
	)

	var (
		hashHex, bolt11          string
		description              sql.NullString
		amountMsat, receivedMsat int64
		status                   int
		createdAt                int64
	)
	err := row.Scan(
		&hashHex, &bolt11, &amountMsat, &description, &status, &receivedMsat, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}

	parsedHash, err := lntypes.MakeHashFromStr(hashHex)
	if err != nil {
		return nil, err
	}
	return &types.Invoice{
		Bolt11:       bolt11,
		PaymentHash:  parsedHash,
		AmountMsat:   lnwire.MilliSatoshi(amountMsat),
		Description:  description.String,
		Status:       types.InvoiceStatus(status),
		ReceivedMsat: lnwire.MilliSatoshi(receivedMsat),
		CreatedAt:    time.Unix(createdAt, 0),
	}, nil
}

func (s *paymentBag) UpdOkIncoming(
	ctx context.Context, hash lntypes.Hash, received lnwire.MilliSatoshi,
) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, received_msat = ? WHERE hash = ?`,
		int(types.InvoiceSucceeded), int64(received), hash.String(),
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return types.ErrInvoiceNotFound
	}
	return nil
}

func (s *paymentBag) AddSearchablePayment(
	ctx context.Context, search string, hash lntypes.Hash,
) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (hash, search) VALUES (?, ?)
		 ON CONFLICT(hash) DO UPDATE SET search = excluded.search`,
		hash.String(), search,
	)
	return err
}

func (s *paymentBag) AddRelayedPreimageInfo(
	ctx context.Context, info types.RelayedPreimageInfo,
) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relayed_preimages
		 (hash, secret, preimage, relayed_msat, earned_msat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash, secret) DO NOTHING`,
		info.PaymentHash.String(), hex.EncodeToString(info.PaymentSecret[:]),
		info.Preimage.String(), int64(info.RelayedMsat), int64(info.EarnedMsat),
		info.CreatedAt.Unix(),
	)
	return err
}

// FulfillIncoming runs the whole success bookkeeping in one sql
// transaction.
func (s *paymentBag) FulfillIncoming(
	ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
	received lnwire.MilliSatoshi, search string,
) error {
	return execTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payments (hash, search) VALUES (?, ?)
			 ON CONFLICT(hash) DO UPDATE SET search = excluded.search`,
			hash.String(), search,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE invoices SET status = ?, received_msat = ? WHERE hash = ?`,
			int(types.InvoiceSucceeded), int64(received), hash.String(),
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO preimages (hash, preimage) VALUES (?, ?)
			 ON CONFLICT(hash) DO UPDATE SET preimage = excluded.preimage`,
			hash.String(), preimage.String(),
		)
		return err
	})
}

func (s *paymentBag) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing payment db: %s", err)
	}
}

func execTx(ctx context.Context, db *sql.DB, body func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// nolint
	defer tx.Rollback()

	if err := body(tx); err != nil {
		return err
	}
	return tx.Commit()
}
