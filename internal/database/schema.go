package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the tables the payment engine owns, plus the subset of
// bookings it reads.  Statements are idempotent so EnsureSchema can run on
// every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
    id             BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    customer_id    BIGINT UNSIGNED NOT NULL,
    customer_email VARCHAR(255)    NOT NULL DEFAULT '',
    payment_status VARCHAR(16)     NOT NULL DEFAULT 'unpaid',
    created_at     DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at     DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    KEY idx_bookings_customer (customer_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS payments (
    id                  BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    booking_id          BIGINT UNSIGNED NOT NULL,
    status              VARCHAR(16)     NOT NULL,
    amount              DECIMAL(12,2)   NOT NULL,
    currency            CHAR(3)         NOT NULL,
    transaction_ref     VARCHAR(64)     NULL,
    gateway_payment_id  VARCHAR(128)    NULL,
    failure_reason      VARCHAR(255)    NULL,
    refund_reason       VARCHAR(255)    NULL,
    version             INT UNSIGNED    NOT NULL DEFAULT 0,
    created_at          DATETIME(3)     NOT NULL,
    updated_at          DATETIME(3)     NOT NULL,
    completed_at        DATETIME(3)     NULL,
    failed_at           DATETIME(3)     NULL,
    refunded_at         DATETIME(3)     NULL,
    refund_requested_at DATETIME(3)     NULL,
    PRIMARY KEY (id),
    UNIQUE KEY uq_payments_booking (booking_id),
    UNIQUE KEY uq_payments_ref (transaction_ref),
    KEY idx_payments_status (status)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS payment_gateway_events (
    id          BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    payment_id  BIGINT UNSIGNED NOT NULL,
    event_id    VARCHAR(191)    NOT NULL,
    outcome     VARCHAR(16)     NOT NULL,
    payload     MEDIUMBLOB      NOT NULL,
    received_at DATETIME(3)     NOT NULL,
    PRIMARY KEY (id),
    UNIQUE KEY uq_gateway_event (payment_id, event_id),
    CONSTRAINT fk_gateway_event_payment FOREIGN KEY (payment_id) REFERENCES payments (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS payment_audit_log (
    id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    event_type VARCHAR(32)     NOT NULL,
    payment_id BIGINT UNSIGNED NOT NULL,
    booking_id BIGINT UNSIGNED NOT NULL,
    status     VARCHAR(16)     NOT NULL,
    reason     VARCHAR(255)    NULL,
    created_at DATETIME(3)     NOT NULL,
    PRIMARY KEY (id),
    KEY idx_audit_payment (payment_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema creates any missing payment tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
