package docstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/xxxsen/solemn/internal/model"
	"github.com/xxxsen/solemn/internal/pkg/dbutil"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	typePostgres     = "postgres"
	tableSubmissions = "submissions"
	insertRetries    = 5
)

var submissionColumns = []string{
	"submission_id", "verification_id", "first_name", "last_name", "name", "email",
	"phone", "comments", "status", "email_verified", "source", "created_at", "updated_at",
}

type postgresConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type PostgresStore struct {
	db *sqlx.DB
}

func init() {
	Register(typePostgres, createPostgresStore)
}

func createPostgresStore(args interface{}) (Store, error) {
	cfg := &postgresConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if dsn == "" {
		sslmode := cfg.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslmode)
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func applyMigrations(ctx context.Context, db *sqlx.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return err
		}
		for _, q := range strings.Split(string(content), ";") {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("execute query in %s: %w", file, err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) Type() string {
	return typePostgres
}

func (s *PostgresStore) Insert(ctx context.Context, sub *model.Submission) (string, error) {
	if id, ok, err := s.findByVerification(ctx, sub.VerificationID); err != nil || ok {
		return id, err
	}
	preset := sub.ID != ""
	for attempt := 0; ; attempt++ {
		id := sub.ID
		if !preset {
			var seq int64
			if err := s.db.GetContext(ctx, &seq, "SELECT nextval('submission_seq')"); err != nil {
				return "", err
			}
			id = formatID(seq)
		}
		err := s.insert(ctx, id, sub)
		if err == nil {
			return id, nil
		}
		if !dbutil.IsConflict(err) {
			return "", err
		}
		if existing, ok, ferr := s.findByVerification(ctx, sub.VerificationID); ferr != nil || ok {
			return existing, ferr
		}
		// a generated id can collide with one imported from the fallback file
		if preset || attempt+1 >= insertRetries {
			return "", appErr.ErrConflict
		}
	}
}

func (s *PostgresStore) insert(ctx context.Context, id string, sub *model.Submission) error {
	data := map[string]interface{}{
		"submission_id":   id,
		"verification_id": sub.VerificationID,
		"first_name":      sub.FirstName,
		"last_name":       sub.LastName,
		"name":            sub.Name,
		"email":           sub.Email,
		"phone":           sub.Phone,
		"comments":        sub.Comments,
		"status":          sub.Status,
		"email_verified":  sub.EmailVerified,
		"source":          sub.Source,
		"created_at":      sub.CreatedAt,
		"updated_at":      sub.UpdatedAt,
	}
	sqlStr, args, err := builder.BuildInsert(tableSubmissions, []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (s *PostgresStore) findByVerification(ctx context.Context, verificationID string) (string, bool, error) {
	if verificationID == "" {
		return "", false, nil
	}
	sub, err := s.selectOne(ctx, map[string]interface{}{"verification_id": verificationID})
	if appErr.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sub.ID, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	return s.selectOne(ctx, map[string]interface{}{"submission_id": id})
}

func (s *PostgresStore) selectOne(ctx context.Context, where map[string]interface{}) (*model.Submission, error) {
	where["_limit"] = []uint{0, 1}
	sqlStr, args, err := builder.BuildSelect(tableSubmissions, where, columns())
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	var sub model.Submission
	if err := s.db.GetContext(ctx, &sub, sqlStr, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*model.Submission, error) {
	where := map[string]interface{}{"_orderby": "created_at desc"}
	if limit > 0 {
		where["_limit"] = []uint{0, uint(limit)}
	}
	sqlStr, args, err := builder.BuildSelect(tableSubmissions, where, columns())
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	var out []*model.Submission
	if err := s.db.SelectContext(ctx, &out, sqlStr, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(1) FROM submissions"); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	sqlStr, args := dbutil.Finalize("SELECT COUNT(1) FROM submissions WHERE created_at >= ?", []interface{}{since})
	var n int64
	if err := s.db.GetContext(ctx, &n, sqlStr, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func columns() []string {
	return append([]string(nil), submissionColumns...)
}
