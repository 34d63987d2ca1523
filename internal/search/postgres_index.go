package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	_ "github.com/lib/pq"
)

const (
	postgresDocumentsTableName    = "courier_message_documents"
	postgresSupersessionTableName = "courier_message_supersessions"
	postgresOperationTimeout      = 5 * time.Second
	postgresTextSearchConfig      = "simple"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresIndex stores documents in Postgres and searches them with full-text queries.
type PostgresIndex struct {
	dsn               string
	documentsTable    string
	supersessionTable string
	openDB            sqlOpenFunc
	clock             func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresIndex constructs an index for dsn. The connection is opened lazily.
func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("search: postgres dsn is required")
	}
	return &PostgresIndex{
		dsn:               dsn,
		documentsTable:    postgresDocumentsTableName,
		supersessionTable: postgresSupersessionTableName,
		openDB:            sql.Open,
		clock:             time.Now,
	}, nil
}

func (i *PostgresIndex) Upsert(ctx context.Context, document Document) error {
	if err := document.validate(); err != nil {
		return err
	}
	if err := i.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(i.documentsTable)
	query := fmt.Sprintf(`
		INSERT INTO %s (channel_id, source_message_id, sequence, revision, sender_name, text, sent_at_s,
			media_ref, media_pending, deleted, fingerprint, received_via, indexed_at_s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (channel_id, source_message_id)
		DO UPDATE SET sequence = EXCLUDED.sequence, revision = EXCLUDED.revision,
			sender_name = EXCLUDED.sender_name, text = EXCLUDED.text, sent_at_s = EXCLUDED.sent_at_s,
			media_ref = EXCLUDED.media_ref, media_pending = EXCLUDED.media_pending,
			deleted = EXCLUDED.deleted, fingerprint = EXCLUDED.fingerprint,
			received_via = EXCLUDED.received_via, indexed_at_s = EXCLUDED.indexed_at_s
		WHERE %s.revision <= EXCLUDED.revision`, table, table)
	_, err := i.db.ExecContext(ctx, query,
		document.ChannelID, document.SourceMessageID, document.Sequence, document.Revision,
		document.SenderName, document.Text, document.SentAtSeconds, document.MediaRef,
		document.MediaPending, document.Deleted, document.Fingerprint, document.ReceivedVia,
		document.IndexedAtSeconds)
	return err
}

func (i *PostgresIndex) MarkSuperseded(ctx context.Context, key messages.Key, revision int64) error {
	if err := i.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (channel_id, source_message_id, revision, superseded_at_s)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id, source_message_id, revision) DO NOTHING`,
		postgresQuoteIdentifier(i.supersessionTable))
	_, err := i.db.ExecContext(ctx, query, key.ChannelID, key.SourceMessageID, revision, i.clock().UTC().Unix())
	return err
}

func (i *PostgresIndex) Get(ctx context.Context, key messages.Key) (Document, error) {
	if err := i.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE channel_id = $1 AND source_message_id = $2",
		postgresDocumentColumns, postgresQuoteIdentifier(i.documentsTable))
	document, err := scanDocument(i.db.QueryRowContext(ctx, query, key.ChannelID, key.SourceMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	return document, err
}

func (i *PostgresIndex) Search(ctx context.Context, query Query) ([]Document, error) {
	if err := i.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	conditions := []string{"channel_id = $1"}
	args := []any{query.ChannelID}
	if !query.IncludeDeleted {
		conditions = append(conditions, "deleted = FALSE")
	}
	if text := strings.TrimSpace(query.Text); text != "" {
		args = append(args, text)
		conditions = append(conditions, fmt.Sprintf(
			"to_tsvector('%s', text) @@ plainto_tsquery('%s', $%d)",
			postgresTextSearchConfig, postgresTextSearchConfig, len(args)))
	}
	args = append(args, query.limit())
	statement := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY sequence DESC LIMIT $%d",
		postgresDocumentColumns, postgresQuoteIdentifier(i.documentsTable),
		strings.Join(conditions, " AND "), len(args))

	rows, err := i.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	documents := make([]Document, 0)
	for rows.Next() {
		document, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return documents, rows.Err()
}

func (i *PostgresIndex) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

func (i *PostgresIndex) ensureReady() error {
	i.initOnce.Do(func() {
		db, err := i.openDB("postgres", i.dsn)
		if err != nil {
			i.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		documents := postgresQuoteIdentifier(i.documentsTable)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					channel_id TEXT NOT NULL,
					source_message_id TEXT NOT NULL,
					sequence BIGINT NOT NULL,
					revision BIGINT NOT NULL,
					sender_name TEXT NOT NULL DEFAULT '',
					text TEXT NOT NULL DEFAULT '',
					sent_at_s BIGINT NOT NULL DEFAULT 0,
					media_ref TEXT NOT NULL DEFAULT '',
					media_pending BOOLEAN NOT NULL DEFAULT FALSE,
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					fingerprint TEXT NOT NULL,
					received_via TEXT NOT NULL DEFAULT '',
					indexed_at_s BIGINT NOT NULL,
					PRIMARY KEY (channel_id, source_message_id)
				)`, documents),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (to_tsvector('%s', text))",
				postgresQuoteIdentifier(i.documentsTable+"_text_idx"), documents, postgresTextSearchConfig),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					channel_id TEXT NOT NULL,
					source_message_id TEXT NOT NULL,
					revision BIGINT NOT NULL,
					superseded_at_s BIGINT NOT NULL,
					PRIMARY KEY (channel_id, source_message_id, revision)
				)`, postgresQuoteIdentifier(i.supersessionTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				i.initErr = err
				return
			}
		}
		i.db = db
	})
	return i.initErr
}

const postgresDocumentColumns = "channel_id, source_message_id, sequence, revision, sender_name, text, sent_at_s, " +
	"media_ref, media_pending, deleted, fingerprint, received_via, indexed_at_s"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var document Document
	err := row.Scan(&document.ChannelID, &document.SourceMessageID, &document.Sequence, &document.Revision,
		&document.SenderName, &document.Text, &document.SentAtSeconds, &document.MediaRef,
		&document.MediaPending, &document.Deleted, &document.Fingerprint, &document.ReceivedVia,
		&document.IndexedAtSeconds)
	return document, err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
