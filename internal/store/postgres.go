package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"controlplane/internal/apperr"
	"controlplane/internal/db"
	"controlplane/internal/enum"
	"controlplane/internal/model"
)

// Postgres is the lib/pq-backed implementation of Store.
type Postgres struct {
	conn *sql.DB
}

// New wraps an open connection pool as a Store.
func New(conn *sql.DB) *Postgres {
	return &Postgres{conn: conn}
}

// maxSerializationRetries bounds the LEDGER_CONFLICT retry policy spec §7
// assigns a serialization failure: retry the whole transaction up to 3
// times before surfacing the conflict to the caller.
const maxSerializationRetries = 3

func (p *Postgres) WithTransaction(ctx context.Context, fn TxFunc) error {
	var err error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		err = db.WithTx(ctx, p.conn, func(tx *sql.Tx) error {
			return fn(ctx, tx)
		})
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return apperr.New(apperr.KindLedgerConflict, "store.WithTransaction", err)
}

// isSerializationFailure reports whether err (or a wrapped cause) is a
// Postgres serialization_failure (SQLSTATE 40001), the error a
// SERIALIZABLE transaction raises when it would observe an anomaly.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001"
}

func wrapNotFound(err error, kind apperr.Kind, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(kind, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func jsonMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func parseJSONMap(raw []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func jsonList(l []string) ([]byte, error) {
	if l == nil {
		l = []string{}
	}
	return json.Marshal(l)
}

func parseJSONList(raw []byte) ([]string, error) {
	var l []string
	if len(raw) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	return l, nil
}

// --- users -----------------------------------------------------------------

const userColumns = `id, email, credit_balance, total_topup, total_spent, role, active, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.CreditBalance, &u.TotalTopUp, &u.TotalSpent, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = enum.Role(role)
	return &u, nil
}

func (p *Postgres) GetUser(ctx context.Context, q db.Querier, id uuid.UUID) (*model.User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindUserNotFound, "GetUser")
	}
	return u, nil
}

// GetUserForUpdate takes the user row lock for the duration of tx, per
// spec §5 "Locking discipline: (a) user row on wallet mutation."
func (p *Postgres) GetUserForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.User, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindUserNotFound, "GetUserForUpdate")
	}
	return u, nil
}

func (p *Postgres) UpdateUserBalance(ctx context.Context, tx *sql.Tx, userID uuid.UUID, creditBalance, totalTopUp, totalSpent int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET credit_balance=$1, total_topup=$2, total_spent=$3, updated_at=now()
		WHERE id=$4`, creditBalance, totalTopUp, totalSpent, userID)
	if err != nil {
		return fmt.Errorf("UpdateUserBalance: %w", err)
	}
	return nil
}

// --- catalog -----------------------------------------------------------------

func (p *Postgres) ListCategories(ctx context.Context, q db.Querier) ([]model.ServiceCategory, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, slug, name, created_at FROM service_categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceCategory
	for rows.Next() {
		var c model.ServiceCategory
		if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListCategories: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const serviceColumns = `id, category_id, slug, name, docker_image, listen_port, env_template, metadata, featured, active, created_at, updated_at`

func scanService(row interface{ Scan(...any) error }) (*model.Service, error) {
	var s model.Service
	var envTemplate, metadata []byte
	if err := row.Scan(&s.ID, &s.CategoryID, &s.Slug, &s.Name, &s.DockerImage, &s.ListenPort, &envTemplate, &metadata, &s.Featured, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.EnvTemplate, err = parseJSONMap(envTemplate); err != nil {
		return nil, err
	}
	if s.Metadata, err = parseJSONMap(metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) ListServices(ctx context.Context, q db.Querier, categorySlug string) ([]model.Service, error) {
	query := `SELECT s.` + strings.ReplaceAll(serviceColumns, ", ", ", s.") + ` FROM services s
		JOIN service_categories c ON c.id = s.category_id
		WHERE s.active=true AND ($1 = '' OR c.slug = $1)
		ORDER BY s.name`
	rows, err := q.QueryContext(ctx, query, categorySlug)
	if err != nil {
		return nil, fmt.Errorf("ListServices: %w", err)
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("ListServices: scan: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetServiceBySlug(ctx context.Context, q db.Querier, slug string) (*model.Service, error) {
	row := q.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE slug=$1`, slug)
	s, err := scanService(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindServiceNotFound, "GetServiceBySlug")
	}
	return s, nil
}

func (p *Postgres) GetService(ctx context.Context, q db.Querier, id uuid.UUID) (*model.Service, error) {
	row := q.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id=$1`, id)
	s, err := scanService(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindServiceNotFound, "GetService")
	}
	return s, nil
}

func (p *Postgres) ListFeaturedServices(ctx context.Context, q db.Querier) ([]model.Service, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE active=true AND featured=true ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ListFeaturedServices: %w", err)
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("ListFeaturedServices: scan: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) SearchServices(ctx context.Context, q db.Querier, term string) ([]model.Service, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services
		WHERE active=true AND (name ILIKE '%'||$1||'%' OR slug ILIKE '%'||$1||'%')
		ORDER BY name`, term)
	if err != nil {
		return nil, fmt.Errorf("SearchServices: %w", err)
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchServices: scan: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// --- plans -----------------------------------------------------------------

const planColumns = `id, service_id, plan_type, monthly_price, cpu_milli, memory_mb, storage_gb, features, total_quota, used_quota, max_instances_per_user, over_allocated, active, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (*model.ServicePlan, error) {
	var plan model.ServicePlan
	var planType int
	var features []byte
	if err := row.Scan(&plan.ID, &plan.ServiceID, &planType, &plan.MonthlyPrice, &plan.CPUMilli, &plan.MemoryMB, &plan.StorageGB,
		&features, &plan.TotalQuota, &plan.UsedQuota, &plan.MaxInstancesPerUser, &plan.OverAllocated, &plan.Active, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		return nil, err
	}
	plan.PlanType = enum.PlanType(planType)
	var err error
	if plan.Features, err = parseJSONList(features); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Postgres) ListPlansForService(ctx context.Context, q db.Querier, serviceID uuid.UUID) ([]model.ServicePlan, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+planColumns+` FROM service_plans WHERE service_id=$1 AND active=true ORDER BY plan_type`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("ListPlansForService: %w", err)
	}
	defer rows.Close()

	var out []model.ServicePlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPlansForService: scan: %w", err)
		}
		out = append(out, *plan)
	}
	return out, rows.Err()
}

func (p *Postgres) GetPlan(ctx context.Context, q db.Querier, id uuid.UUID) (*model.ServicePlan, error) {
	row := q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM service_plans WHERE id=$1`, id)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindPlanNotFound, "GetPlan")
	}
	return plan, nil
}

// GetPlanForUpdate takes the plan row lock, per spec §5 "(b) plan row on
// quota mutation" — serializes allocate/release against each other.
func (p *Postgres) GetPlanForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.ServicePlan, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM service_plans WHERE id=$1 FOR UPDATE`, id)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindPlanNotFound, "GetPlanForUpdate")
	}
	return plan, nil
}

func (p *Postgres) UpdatePlanQuota(ctx context.Context, tx *sql.Tx, planID uuid.UUID, usedQuota int, overAllocated bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE service_plans SET used_quota=$1, over_allocated=$2, updated_at=now() WHERE id=$3`, usedQuota, overAllocated, planID)
	if err != nil {
		return fmt.Errorf("UpdatePlanQuota: %w", err)
	}
	return nil
}

func (p *Postgres) SetPlanTotalQuota(ctx context.Context, tx *sql.Tx, planID uuid.UUID, totalQuota int, overAllocated bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE service_plans SET total_quota=$1, over_allocated=$2, updated_at=now() WHERE id=$3`, totalQuota, overAllocated, planID)
	if err != nil {
		return fmt.Errorf("SetPlanTotalQuota: %w", err)
	}
	return nil
}

// --- transactions ------------------------------------------------------------

const txColumns = `id, user_id, type, status, amount, balance_before, balance_after, payment_method, payment_reference, subscription_id, description, metadata, processed_by, created_at, completed_at`

func scanTransaction(row interface{ Scan(...any) error }) (*model.Transaction, error) {
	var t model.Transaction
	var txType, status string
	var paymentMethod, paymentReference, description sql.NullString
	var subscriptionID, processedBy uuid.NullUUID
	var metadata []byte
	var completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &txType, &status, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&paymentMethod, &paymentReference, &subscriptionID, &description, &metadata, &processedBy, &t.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Type = enum.TransactionType(txType)
	t.Status = enum.TransactionStatus(status)
	t.PaymentMethod = paymentMethod.String
	t.PaymentReference = paymentReference.String
	t.Description = description.String
	if subscriptionID.Valid {
		id := subscriptionID.UUID
		t.SubscriptionID = &id
	}
	if processedBy.Valid {
		id := processedBy.UUID
		t.ProcessedBy = &id
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	var err error
	if t.Metadata, err = parseJSONMap(metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) InsertTransaction(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	metadata, err := jsonMap(t.Metadata)
	if err != nil {
		return fmt.Errorf("InsertTransaction: encoding metadata: %w", err)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	var paymentReference any
	if t.PaymentReference != "" {
		paymentReference = t.PaymentReference
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, user_id, type, status, amount, balance_before, balance_after, payment_method, payment_reference, subscription_id, description, metadata, processed_by, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at`,
		t.ID, t.UserID, string(t.Type), string(t.Status), t.Amount, t.BalanceBefore, t.BalanceAfter,
		nullString(t.PaymentMethod), paymentReference, uuidPtr(t.SubscriptionID), t.Description, metadata, uuidPtr(t.ProcessedBy), timePtr(t.CompletedAt))
	if err := row.Scan(&t.CreatedAt); err != nil {
		return fmt.Errorf("InsertTransaction: %w", err)
	}
	return nil
}

func (p *Postgres) GetTransactionByPaymentReference(ctx context.Context, q db.Querier, ref string) (*model.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE payment_reference=$1`, ref)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("GetTransactionByPaymentReference: %w", err)
	}
	return t, nil
}

func (p *Postgres) ListTransactionsForUser(ctx context.Context, q db.Querier, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListTransactionsForUser: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListTransactionsForUser: scan: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTransactionStatus transitions a transaction's status and, when the
// transaction just left PENDING with a fresh balance snapshot, persists the
// balance_before/balance_after pair the ledger computed at completion time
// (balanceBefore/balanceAfter are nil for transitions that don't touch the
// balance, e.g. MarkFailed). COALESCE keeps the column untouched when nil.
func (p *Postgres) UpdateTransactionStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status string, completedAt *time.Time, balanceBefore, balanceAfter *int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status=$1, completed_at=$2,
		    balance_before=COALESCE($3::bigint, balance_before),
		    balance_after=COALESCE($4::bigint, balance_after)
		WHERE id=$5`,
		status, timePtr(completedAt), int64Ptr(balanceBefore), int64Ptr(balanceAfter), id)
	if err != nil {
		return fmt.Errorf("UpdateTransactionStatus: %w", err)
	}
	return nil
}

// --- subscriptions -----------------------------------------------------------

const subscriptionColumns = `id, user_id, service_id, plan_id, status, start_date, end_date, next_billing, monthly_price, last_charge_amount, auto_renew, grace_period_end, previous_plan_id, upgrade_date, cancellation_reason, cancelled_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*model.Subscription, error) {
	var s model.Subscription
	var status string
	var gracePeriodEnd, upgradeDate, cancelledAt sql.NullTime
	var previousPlanID uuid.NullUUID
	var cancellationReason sql.NullString
	if err := row.Scan(&s.ID, &s.UserID, &s.ServiceID, &s.PlanID, &status, &s.StartDate, &s.EndDate, &s.NextBilling,
		&s.MonthlyPrice, &s.LastChargeAmount, &s.AutoRenew, &gracePeriodEnd, &previousPlanID, &upgradeDate,
		&cancellationReason, &cancelledAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = enum.SubscriptionStatus(status)
	s.CancellationReason = cancellationReason.String
	if gracePeriodEnd.Valid {
		t := gracePeriodEnd.Time
		s.GracePeriodEnd = &t
	}
	if previousPlanID.Valid {
		id := previousPlanID.UUID
		s.PreviousPlanID = &id
	}
	if upgradeDate.Valid {
		t := upgradeDate.Time
		s.UpgradeDate = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		s.CancelledAt = &t
	}
	return &s, nil
}

func (p *Postgres) InsertSubscription(ctx context.Context, tx *sql.Tx, s *model.Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, user_id, service_id, plan_id, status, start_date, end_date, next_billing, monthly_price, last_charge_amount, auto_renew, grace_period_end, previous_plan_id, upgrade_date, cancellation_reason, cancelled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		s.ID, s.UserID, s.ServiceID, s.PlanID, string(s.Status), s.StartDate, s.EndDate, s.NextBilling,
		s.MonthlyPrice, s.LastChargeAmount, s.AutoRenew, timePtr(s.GracePeriodEnd), uuidPtr(s.PreviousPlanID),
		timePtr(s.UpgradeDate), nullString(s.CancellationReason), timePtr(s.CancelledAt))
	if err := row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.KindDuplicateSubscription, "InsertSubscription", err)
		}
		return fmt.Errorf("InsertSubscription: %w", err)
	}
	return nil
}

func (p *Postgres) GetSubscription(ctx context.Context, q db.Querier, id uuid.UUID) (*model.Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1`, id)
	s, err := scanSubscription(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindSubscriptionNotFound, "GetSubscription")
	}
	return s, nil
}

// GetSubscriptionForUpdate takes the subscription row lock, per spec §5
// "(c) subscription row on transition."
func (p *Postgres) GetSubscriptionForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Subscription, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1 FOR UPDATE`, id)
	s, err := scanSubscription(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindSubscriptionNotFound, "GetSubscriptionForUpdate")
	}
	return s, nil
}

// FindBillableSubscription is how create() enforces Invariant A before
// attempting the insert (the partial unique index is the hard backstop).
func (p *Postgres) FindBillableSubscription(ctx context.Context, q db.Querier, userID, serviceID uuid.UUID) (*model.Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id=$1 AND service_id=$2 AND status IN ('ACTIVE','PENDING_UPGRADE','PENDING_PAYMENT')`, userID, serviceID)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("FindBillableSubscription: %w", err)
	}
	return s, nil
}

func (p *Postgres) UpdateSubscription(ctx context.Context, tx *sql.Tx, s *model.Subscription) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET plan_id=$1, status=$2, start_date=$3, end_date=$4, next_billing=$5,
			monthly_price=$6, last_charge_amount=$7, auto_renew=$8, grace_period_end=$9, previous_plan_id=$10,
			upgrade_date=$11, cancellation_reason=$12, cancelled_at=$13, updated_at=now()
		WHERE id=$14`,
		s.PlanID, string(s.Status), s.StartDate, s.EndDate, s.NextBilling, s.MonthlyPrice, s.LastChargeAmount,
		s.AutoRenew, timePtr(s.GracePeriodEnd), uuidPtr(s.PreviousPlanID), timePtr(s.UpgradeDate),
		nullString(s.CancellationReason), timePtr(s.CancelledAt), s.ID)
	if err != nil {
		return fmt.Errorf("UpdateSubscription: %w", err)
	}
	return nil
}

func (p *Postgres) ListSubscriptionsDueForRenewal(ctx context.Context, q db.Querier, now time.Time) ([]model.Subscription, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE auto_renew=true AND status='ACTIVE' AND next_billing<=$1
		ORDER BY next_billing ASC, id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("ListSubscriptionsDueForRenewal: %w", err)
	}
	return scanSubscriptionRows(rows)
}

func (p *Postgres) ListSubscriptionsInGrace(ctx context.Context, q db.Querier, now time.Time) ([]model.Subscription, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('ACTIVE','SUSPENDED') AND grace_period_end IS NOT NULL
		ORDER BY grace_period_end ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ListSubscriptionsInGrace: %w", err)
	}
	return scanSubscriptionRows(rows)
}

func (p *Postgres) ListSubscriptionsNearBilling(ctx context.Context, q db.Querier, now time.Time, withinDays int) ([]model.Subscription, error) {
	cutoff := now.AddDate(0, 0, withinDays)
	rows, err := q.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status='ACTIVE' AND next_billing<=$1
		ORDER BY next_billing ASC, id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("ListSubscriptionsNearBilling: %w", err)
	}
	return scanSubscriptionRows(rows)
}

func (p *Postgres) ListSubscriptionsForUser(ctx context.Context, q db.Querier, userID uuid.UUID) ([]model.Subscription, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListSubscriptionsForUser: %w", err)
	}
	return scanSubscriptionRows(rows)
}

func scanSubscriptionRows(rows *sql.Rows) ([]model.Subscription, error) {
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// --- instances ---------------------------------------------------------------

const instanceColumns = `id, subscription_id, status, namespace, deployment_name, service_name, ingress_name, configmap_name, pvc_name, pod_name, subdomain, public_url, ssl_enabled, cpu_usage_milli, memory_usage_mb, health_status, last_started, last_stopped, last_health_check, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*model.ServiceInstance, error) {
	var i model.ServiceInstance
	var status string
	var pvcName, podName sql.NullString
	var lastStarted, lastStopped, lastHealthCheck sql.NullTime
	if err := row.Scan(&i.ID, &i.SubscriptionID, &status, &i.Namespace, &i.DeploymentName, &i.ServiceName, &i.IngressName,
		&i.ConfigMapName, &pvcName, &podName, &i.Subdomain, &i.PublicURL, &i.SSLEnabled, &i.CPUUsageMilli, &i.MemoryUsageMB,
		&i.HealthStatus, &lastStarted, &lastStopped, &lastHealthCheck, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	i.Status = enum.InstanceStatus(status)
	i.PVCName = pvcName.String
	i.PodName = podName.String
	if lastStarted.Valid {
		t := lastStarted.Time
		i.LastStarted = &t
	}
	if lastStopped.Valid {
		t := lastStopped.Time
		i.LastStopped = &t
	}
	if lastHealthCheck.Valid {
		t := lastHealthCheck.Time
		i.LastHealthCheck = &t
	}
	return &i, nil
}

func (p *Postgres) InsertInstance(ctx context.Context, tx *sql.Tx, i *model.ServiceInstance) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO service_instances (id, subscription_id, status, namespace, deployment_name, service_name, ingress_name, configmap_name, pvc_name, pod_name, subdomain, public_url, ssl_enabled, cpu_usage_milli, memory_usage_mb, health_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		i.ID, i.SubscriptionID, string(i.Status), i.Namespace, i.DeploymentName, i.ServiceName, i.IngressName,
		i.ConfigMapName, nullString(i.PVCName), nullString(i.PodName), i.Subdomain, i.PublicURL, i.SSLEnabled,
		i.CPUUsageMilli, i.MemoryUsageMB, i.HealthStatus)
	if err := row.Scan(&i.CreatedAt, &i.UpdatedAt); err != nil {
		return fmt.Errorf("InsertInstance: %w", err)
	}
	return nil
}

func (p *Postgres) GetInstance(ctx context.Context, q db.Querier, id uuid.UUID) (*model.ServiceInstance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM service_instances WHERE id=$1`, id)
	i, err := scanInstance(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindInstanceNotFound, "GetInstance")
	}
	return i, nil
}

func (p *Postgres) GetInstanceBySubscription(ctx context.Context, q db.Querier, subscriptionID uuid.UUID) (*model.ServiceInstance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM service_instances WHERE subscription_id=$1`, subscriptionID)
	i, err := scanInstance(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindInstanceNotFound, "GetInstanceBySubscription")
	}
	return i, nil
}

func (p *Postgres) UpdateInstance(ctx context.Context, tx *sql.Tx, i *model.ServiceInstance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE service_instances SET status=$1, pvc_name=$2, pod_name=$3, ssl_enabled=$4, cpu_usage_milli=$5,
			memory_usage_mb=$6, health_status=$7, last_started=$8, last_stopped=$9, last_health_check=$10, updated_at=now()
		WHERE id=$11`,
		string(i.Status), nullString(i.PVCName), nullString(i.PodName), i.SSLEnabled, i.CPUUsageMilli, i.MemoryUsageMB,
		i.HealthStatus, timePtr(i.LastStarted), timePtr(i.LastStopped), timePtr(i.LastHealthCheck), i.ID)
	if err != nil {
		return fmt.Errorf("UpdateInstance: %w", err)
	}
	return nil
}

// ListInstancesByStatus powers the restart-safe reconciliation sweep: pick
// up PENDING/PROVISIONING instances whose updated_at predates olderThan,
// per spec §9 "a process restart ... on startup, a reconciliation sweep
// picks up any PENDING/PROVISIONING instances older than a threshold."
func (p *Postgres) ListInstancesByStatus(ctx context.Context, q db.Querier, statuses []string, olderThan time.Time) ([]model.ServiceInstance, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+instanceColumns+` FROM service_instances
		WHERE status=ANY($1) AND updated_at<=$2
		ORDER BY updated_at ASC`, pqArray(statuses), olderThan)
	if err != nil {
		return nil, fmt.Errorf("ListInstancesByStatus: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("ListInstancesByStatus: scan: %w", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// --- coupons -----------------------------------------------------------------

const couponColumns = `id, code, type, discount_kind, discount_value, credit_amount, service_id, min_subscription_amount, max_uses, used_count, max_uses_per_user, active, valid_from, valid_until, created_at`

func scanCoupon(row interface{ Scan(...any) error }) (*model.Coupon, error) {
	var c model.Coupon
	var couponType string
	var discountKind sql.NullString
	var serviceID uuid.NullUUID
	if err := row.Scan(&c.ID, &c.Code, &couponType, &discountKind, &c.DiscountValue, &c.CreditAmount, &serviceID,
		&c.MinSubscriptionAmount, &c.MaxUses, &c.UsedCount, &c.MaxUsesPerUser, &c.Active, &c.ValidFrom, &c.ValidUntil, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Type = enum.CouponType(couponType)
	c.DiscountKind = enum.DiscountKind(discountKind.String)
	if serviceID.Valid {
		id := serviceID.UUID
		c.ServiceID = &id
	}
	return &c, nil
}

func (p *Postgres) GetCouponByCode(ctx context.Context, q db.Querier, code string) (*model.Coupon, error) {
	row := q.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code=$1`, code)
	c, err := scanCoupon(row)
	if err != nil {
		return nil, wrapNotFound(err, apperr.KindCouponNotFound, "GetCouponByCode")
	}
	return c, nil
}

func (p *Postgres) IncrementCouponUsage(ctx context.Context, tx *sql.Tx, couponID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `UPDATE coupons SET used_count=used_count+1 WHERE id=$1`, couponID)
	if err != nil {
		return fmt.Errorf("IncrementCouponUsage: %w", err)
	}
	return nil
}

func (p *Postgres) CountUserCouponRedemptions(ctx context.Context, q db.Querier, couponID, userID uuid.UUID) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM coupon_redemptions WHERE coupon_id=$1 AND user_id=$2`, couponID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountUserCouponRedemptions: %w", err)
	}
	return count, nil
}

func (p *Postgres) InsertCouponRedemption(ctx context.Context, tx *sql.Tx, couponID, userID uuid.UUID, subscriptionID *uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO coupon_redemptions (coupon_id, user_id, subscription_id) VALUES ($1,$2,$3)`,
		couponID, userID, uuidPtr(subscriptionID))
	if err != nil {
		return fmt.Errorf("InsertCouponRedemption: %w", err)
	}
	return nil
}
