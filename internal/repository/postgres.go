// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/charityaid-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound возвращается, если запрошенная сущность отсутствует.
var (
	ErrNotFound = errors.New("not found")
	// ErrForbidden возвращается, если сущность принадлежит другому пользователю.
	ErrForbidden = errors.New("owned by another user")
	// ErrProfileExists возвращается при попытке повторно создать профиль пользователя.
	ErrProfileExists = errors.New("profile already exists")
	// ErrStatusChanged возвращается, если статус заявки изменился между чтением и обновлением.
	ErrStatusChanged = errors.New("application status changed concurrently")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Деньги хранятся в минимальных единицах валюты (пенсы/центы).

func toMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}

func fromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}

// GetProfile возвращает профиль пользователя.
func (r *PostgresRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, email, full_name, phone, country, address, role, created_at, updated_at
		 FROM profiles
		 WHERE user_id = $1`,
		userID,
	)

	var p model.UserProfile
	var role string
	err := row.Scan(&p.UserID, &p.Email, &p.FullName, &p.Phone, &p.Country, &p.Address, &role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.Role = model.Role(role)

	return &p, nil
}

// ProfileUpdate описывает частичное обновление профиля: nil-поля не изменяются.
type ProfileUpdate struct {
	FullName *string
	Phone    *string
	Country  *string
	Address  *string
}

// CreateProfile создаёт профиль пользователя.
func (r *PostgresRepository) CreateProfile(ctx context.Context, p model.UserProfile) (*model.UserProfile, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO profiles (user_id, email, full_name, phone, country, address, role)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		p.UserID, p.Email, p.FullName, p.Phone, p.Country, p.Address, string(p.Role),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrProfileExists, p.UserID)
		}
		return nil, fmt.Errorf("create profile: %w", err)
	}

	return &p, nil
}

// UpdateProfile обновляет заполненные поля профиля; updated_at обновляется всегда.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, userID uuid.UUID, email string, upd ProfileUpdate) (*model.UserProfile, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE profiles
		 SET email = $2,
		     full_name = COALESCE($3, full_name),
		     phone = COALESCE($4, phone),
		     country = COALESCE($5, country),
		     address = COALESCE($6, address),
		     updated_at = now()
		 WHERE user_id = $1
		 RETURNING user_id, email, full_name, phone, country, address, role, created_at, updated_at`,
		userID, email, upd.FullName, upd.Phone, upd.Country, upd.Address,
	)

	var p model.UserProfile
	var role string
	err := row.Scan(&p.UserID, &p.Email, &p.FullName, &p.Phone, &p.Country, &p.Address, &role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	p.Role = model.Role(role)

	return &p, nil
}

// deriveVerification определяет статус проверки счёта по наличию имени владельца.
func deriveVerification(holderName *string) model.VerificationStatus {
	if holderName != nil && *holderName != "" {
		return model.VerificationVerified
	}
	return model.VerificationPending
}

// CreateBankDetails сохраняет банковские реквизиты пользователя.
func (r *PostgresRepository) CreateBankDetails(ctx context.Context, bd model.BankDetails) (*model.BankDetails, error) {
	bd.IsVerified = deriveVerification(bd.AccountHolderName)

	err := r.pool.QueryRow(ctx,
		`INSERT INTO bank_details (id, user_id, country, bank_name, account_number, sort_code, routing_number, account_holder_name, is_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		bd.ID, bd.UserID, string(bd.Country), bd.BankName, bd.AccountNumber,
		bd.SortCode, bd.RoutingNumber, bd.AccountHolderName, string(bd.IsVerified),
	).Scan(&bd.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create bank details: %w", err)
	}

	return &bd, nil
}

func scanBankDetails(row pgx.Row) (*model.BankDetails, error) {
	var bd model.BankDetails
	var country, verified string
	err := row.Scan(&bd.ID, &bd.UserID, &country, &bd.BankName, &bd.AccountNumber,
		&bd.SortCode, &bd.RoutingNumber, &bd.AccountHolderName, &verified, &bd.CreatedAt)
	if err != nil {
		return nil, err
	}
	bd.Country = model.BankCountry(country)
	bd.IsVerified = model.VerificationStatus(verified)
	return &bd, nil
}

const bankDetailsColumns = `id, user_id, country, bank_name, account_number, sort_code, routing_number, account_holder_name, is_verified, created_at`

// GetBankDetailsByUser возвращает все банковские реквизиты пользователя.
func (r *PostgresRepository) GetBankDetailsByUser(ctx context.Context, userID uuid.UUID) ([]model.BankDetails, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bankDetailsColumns+`
		 FROM bank_details
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select bank details: %w", err)
	}
	defer rows.Close()

	var res []model.BankDetails
	for rows.Next() {
		bd, err := scanBankDetails(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bank details: %w", err)
		}
		res = append(res, *bd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetBankDetailsByID возвращает банковские реквизиты по идентификатору.
func (r *PostgresRepository) GetBankDetailsByID(ctx context.Context, id uuid.UUID) (*model.BankDetails, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+bankDetailsColumns+`
		 FROM bank_details
		 WHERE id = $1`,
		id,
	)

	bd, err := scanBankDetails(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get bank details: %w", err)
	}

	return bd, nil
}

// DeleteBankDetails удаляет банковские реквизиты, если они принадлежат пользователю.
// Возвращает ErrNotFound для отсутствующей записи и ErrForbidden для чужой.
func (r *PostgresRepository) DeleteBankDetails(ctx context.Context, id, userID uuid.UUID) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM bank_details WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete bank details: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var ownerID uuid.UUID
	err = r.pool.QueryRow(ctx, `SELECT user_id FROM bank_details WHERE id = $1`, id).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select bank details owner: %w", err)
	}

	return ErrForbidden
}

const applicationColumns = `id, user_id, reason, amount_requested, currency, bank_details_id, status,
	admin_notes, reviewed_by, reviewed_at, paid_at, paid_amount, created_at, updated_at`

func scanApplication(row pgx.Row) (*model.Application, error) {
	var (
		a             model.Application
		amountUnits   int64
		currency      string
		bankDetailsID uuid.NullUUID
		status        string
		reviewedBy    uuid.NullUUID
		paidUnits     *int64
	)

	err := row.Scan(&a.ID, &a.UserID, &a.Reason, &amountUnits, &currency, &bankDetailsID, &status,
		&a.AdminNotes, &reviewedBy, &a.ReviewedAt, &a.PaidAt, &paidUnits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.AmountRequested = fromMinorUnits(amountUnits)
	a.Currency = model.Currency(currency)
	a.Status = model.ApplicationStatus(status)
	if bankDetailsID.Valid {
		id := bankDetailsID.UUID
		a.BankDetailsID = &id
	}
	if reviewedBy.Valid {
		id := reviewedBy.UUID
		a.ReviewedBy = &id
	}
	if paidUnits != nil {
		v := fromMinorUnits(*paidUnits)
		a.PaidAmount = &v
	}

	return &a, nil
}

// CreateApplication сохраняет заявку и, при наличии, новые банковские реквизиты
// в одной транзакции. Статус создаваемой заявки всегда pending.
func (r *PostgresRepository) CreateApplication(ctx context.Context, app model.Application, bank *model.BankDetails) (*model.Application, error) {
	var created *model.Application

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if bank != nil {
			bank.IsVerified = deriveVerification(bank.AccountHolderName)

			err = tx.QueryRow(ctx,
				`INSERT INTO bank_details (id, user_id, country, bank_name, account_number, sort_code, routing_number, account_holder_name, is_verified)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				 RETURNING created_at`,
				bank.ID, bank.UserID, string(bank.Country), bank.BankName, bank.AccountNumber,
				bank.SortCode, bank.RoutingNumber, bank.AccountHolderName, string(bank.IsVerified),
			).Scan(&bank.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert bank details: %w", err)
			}

			id := bank.ID
			app.BankDetailsID = &id
		}

		app.Status = model.StatusPending

		var bankDetailsID uuid.NullUUID
		if app.BankDetailsID != nil {
			bankDetailsID = uuid.NullUUID{UUID: *app.BankDetailsID, Valid: true}
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO applications (id, user_id, reason, amount_requested, currency, bank_details_id, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING created_at, updated_at`,
			app.ID, app.UserID, app.Reason, toMinorUnits(app.AmountRequested), string(app.Currency),
			bankDetailsID, string(app.Status),
		).Scan(&app.CreatedAt, &app.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		created = &app
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// GetApplicationsByUser возвращает заявки пользователя, новые первыми.
func (r *PostgresRepository) GetApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]model.Application, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+applicationColumns+`
		 FROM applications
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select applications: %w", err)
	}
	defer rows.Close()

	var res []model.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		res = append(res, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetApplicationByID возвращает заявку по идентификатору.
func (r *PostgresRepository) GetApplicationByID(ctx context.Context, id uuid.UUID) (*model.Application, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+`
		 FROM applications
		 WHERE id = $1`,
		id,
	)

	a, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get application: %w", err)
	}

	return a, nil
}

// ApplicationFilter задаёт фильтрацию и пагинацию списка заявок для администратора.
type ApplicationFilter struct {
	// Status — точное совпадение статуса; пустое значение — все статусы.
	Status model.ApplicationStatus
	// Search — подстрока без учёта регистра по причине, email и имени владельца.
	Search string
	Limit  int
	Offset int
}

// ListApplications возвращает заявки с данными владельца и счёта одним запросом
// с JOIN вместо построчной сборки.
func (r *PostgresRepository) ListApplications(ctx context.Context, f ApplicationFilter) ([]model.AdminApplication, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.user_id, a.reason, a.amount_requested, a.currency, a.bank_details_id, a.status,
		        a.admin_notes, a.reviewed_by, a.reviewed_at, a.paid_at, a.paid_amount, a.created_at, a.updated_at,
		        COALESCE(p.email, ''), COALESCE(p.full_name, ''),
		        b.bank_name, b.account_number
		 FROM applications a
		 LEFT JOIN profiles p ON p.user_id = a.user_id
		 LEFT JOIN bank_details b ON b.id = a.bank_details_id
		 WHERE ($1 = '' OR a.status = $1)
		   AND ($2 = '' OR a.reason ILIKE '%' || $2 || '%'
		        OR p.email ILIKE '%' || $2 || '%'
		        OR p.full_name ILIKE '%' || $2 || '%')
		 ORDER BY a.created_at DESC
		 LIMIT $3 OFFSET $4`,
		string(f.Status), f.Search, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select admin applications: %w", err)
	}
	defer rows.Close()

	var res []model.AdminApplication
	for rows.Next() {
		var (
			row           model.AdminApplication
			amountUnits   int64
			currency      string
			bankDetailsID uuid.NullUUID
			status        string
			reviewedBy    uuid.NullUUID
			paidUnits     *int64
			accountNumber *string
		)

		err := rows.Scan(&row.ID, &row.UserID, &row.Reason, &amountUnits, &currency, &bankDetailsID, &status,
			&row.AdminNotes, &reviewedBy, &row.ReviewedAt, &row.PaidAt, &paidUnits, &row.CreatedAt, &row.UpdatedAt,
			&row.OwnerEmail, &row.OwnerFullName, &row.BankName, &accountNumber)
		if err != nil {
			return nil, fmt.Errorf("scan admin application: %w", err)
		}

		row.AmountRequested = fromMinorUnits(amountUnits)
		row.Currency = model.Currency(currency)
		row.Status = model.ApplicationStatus(status)
		if bankDetailsID.Valid {
			id := bankDetailsID.UUID
			row.BankDetailsID = &id
		}
		if reviewedBy.Valid {
			id := reviewedBy.UUID
			row.ReviewedBy = &id
		}
		if paidUnits != nil {
			v := fromMinorUnits(*paidUnits)
			row.PaidAmount = &v
		}
		// Наружу отдаются только последние 4 цифры номера счёта.
		if accountNumber != nil {
			last4 := *accountNumber
			if len(last4) > 4 {
				last4 = last4[len(last4)-4:]
			}
			row.AccountNumberLast4 = &last4
		}

		res = append(res, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountApplicationsByStatus возвращает количество заявок по каждому статусу.
func (r *PostgresRepository) CountApplicationsByStatus(ctx context.Context) (map[model.ApplicationStatus]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM applications GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("count applications: %w", err)
	}
	defer rows.Close()

	res := make(map[model.ApplicationStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		res[model.ApplicationStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReviewUpdate описывает применяемый администратором переход статуса.
type ReviewUpdate struct {
	Status model.ApplicationStatus
	// AdminNotes перезаписывает заметки, если не nil.
	AdminNotes *string
	ReviewedBy uuid.UUID
	ReviewedAt time.Time
	// MarkPaid фиксирует выплату: paid_at и снимок paid_amount из текущей amount_requested.
	MarkPaid bool
}

// UpdateApplicationReview применяет переход статуса, если текущий статус заявки
// равен from. Возвращает ErrStatusChanged, если заявка изменилась параллельно.
func (r *PostgresRepository) UpdateApplicationReview(ctx context.Context, id uuid.UUID, from model.ApplicationStatus, upd ReviewUpdate) (*model.Application, error) {
	var updated *model.Application

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE applications
			 SET status = $3,
			     admin_notes = COALESCE($4, admin_notes),
			     reviewed_by = $5,
			     reviewed_at = $6,
			     paid_at = CASE WHEN $7 THEN $6 ELSE paid_at END,
			     paid_amount = CASE WHEN $7 THEN amount_requested ELSE paid_amount END,
			     updated_at = now()
			 WHERE id = $1 AND status = $2
			 RETURNING `+applicationColumns,
			id, string(from), string(upd.Status), upd.AdminNotes, upd.ReviewedBy, upd.ReviewedAt, upd.MarkPaid,
		)

		a, err := scanApplication(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				var exists bool
				checkErr := r.pool.QueryRow(ctx,
					`SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, id,
				).Scan(&exists)
				if checkErr != nil {
					return fmt.Errorf("check application: %w", checkErr)
				}
				if !exists {
					return ErrNotFound
				}
				return ErrStatusChanged
			}
			return fmt.Errorf("update application: %w", err)
		}

		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
