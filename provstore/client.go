// Package provstore implements C4: a reader against the provisioning
// store's wide-column schema (spec §6.3, keyspace homestead_cache, column
// families impu/impi). Calls block the calling goroutine; the package does
// not dispatch work onto a pool. Every read goes through readHA: up to two
// attempts on a host, then the next host in the configured order.
//
// Postgres (jmoiron/sqlx + lib/pq) stands in for the Cassandra keyspace the
// original HSS used. The host rotation is the only HA mechanism: no
// consistency level is applied to any query.
package provstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/impustore"
	"github.com/homestead/hsscache/resilience"
)

// ConsistencyLevel mirrors spec §6.4's consistency_level_read option.
type ConsistencyLevel int

const (
	LevelOne ConsistencyLevel = iota
	LevelTwo
)

// RegData is GetRegData's result: the IMS subscription document plus
// charging addresses, per spec §4.4/§6.3.
type RegData struct {
	ImsSubscriptionXML string
	ChargingAddresses  impustore.ChargingAddresses
}

// DigestVector is GetAuthVector's result for the digest auth scheme.
type DigestVector struct {
	HA1   string
	Realm string
	QoP   string
}

// Config configures the host rotation and starting HA read level.
type Config struct {
	// Hosts lists DSNs in resolution order: the first is tried at
	// StartLevel, subsequent hosts are the "next resolved target" spec
	// §4.4 describes escalating to after a host is blacklisted.
	Hosts      []string
	StartLevel ConsistencyLevel
	Logger     core.Logger
}

type hostConn struct {
	dsn     string
	once    sync.Once
	db      *sqlx.DB
	connErr error
	breaker *resilience.CircuitBreaker
}

func (h *hostConn) get() (*sqlx.DB, error) {
	h.once.Do(func() {
		h.db, h.connErr = sqlx.Connect("postgres", h.dsn)
	})
	return h.db, h.connErr
}

// Client is C4's entry point: GetRegData and GetAuthVector, each driven
// through the HA read escalation in readHA.
type Client struct {
	hosts  []*hostConn
	level  ConsistencyLevel
	logger core.Logger
}

// New builds a Client over cfg.Hosts. Connections are lazy: the first query
// against a host opens its pool (spec §C.2's "keyspace-bind once on first
// use" thread-local client pattern, expressed here as a lazily-initialized
// shared *sqlx.DB per host — safe for concurrent use by every worker
// goroutine, unlike a literal thread-local).
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("hss/provstore")
	}
	hosts := make([]*hostConn, 0, len(cfg.Hosts))
	for i, dsn := range cfg.Hosts {
		cbCfg := resilience.DefaultConfig()
		cbCfg.Name = fmt.Sprintf("provstore-host-%d", i)
		cbCfg.Logger = logger
		cb, _ := resilience.NewCircuitBreaker(cbCfg)
		hosts = append(hosts, &hostConn{dsn: dsn, breaker: cb})
	}
	return &Client{hosts: hosts, level: cfg.StartLevel, logger: logger}
}

// readHARetryConfig drives readHA's single same-host retry: one retry
// (two attempts total) of the same query, with no backoff delay.
var readHARetryConfig = &resilience.RetryConfig{
	MaxAttempts:   2,
	InitialDelay:  0,
	MaxDelay:      0,
	BackoffFactor: 1,
	JitterEnabled: false,
}

// readHA runs query against the configured hosts in order. On each host it
// makes up to two attempts through RetryWithCircuitBreaker, so the host's
// breaker gates both and records their failures; any error triggers the
// second attempt, which repeats the same query. If the host's final error
// is retryable (timeout, server unavailable, or an open breaker) readHA
// moves to the next host; any other error is returned at once. The
// configured start level is only logged: the query is the same on every
// attempt.
func (c *Client) readHA(ctx context.Context, query func(db *sqlx.DB) error) error {
	if len(c.hosts) == 0 {
		return core.NewError("provstore.readHA", core.Unavailable, "", errors.New("no hosts configured"))
	}
	var lastErr error
	for _, host := range c.hosts {
		var queryErr error
		retErr := resilience.RetryWithCircuitBreaker(ctx, readHARetryConfig, host.breaker, func() error {
			db, err := host.get()
			if err != nil {
				queryErr = classifyConnErr(err)
			} else {
				queryErr = query(db)
			}
			return queryErr
		})
		if retErr == nil {
			return nil
		}
		if queryErr == nil {
			// The breaker rejected the call before fn ever ran.
			queryErr = core.NewError("provstore.readHA", core.ServerUnavailable, "", core.ErrCircuitBreakerOpen)
		}
		if !isRetryableHostErr(queryErr) {
			return queryErr
		}
		lastErr = queryErr
		c.logger.WarnWithContext(ctx, "provstore host exhausted retries, escalating to next host", map[string]interface{}{
			"error":       queryErr.Error(),
			"start_level": c.level,
		})
	}
	if lastErr == nil {
		lastErr = core.ErrUnavailable
	}
	return core.NewError("provstore.readHA", core.Unavailable, "", lastErr)
}

func isRetryableHostErr(err error) bool {
	return core.IsRetryable(err) || errors.Is(err, core.ErrCircuitBreakerOpen)
}

func classifyConnErr(err error) error {
	if err == nil {
		return nil
	}
	return core.NewError("provstore.connect", core.ServerUnavailable, "", fmt.Errorf("%w: %v", core.ErrServerUnavailable, err))
}

func classifyQueryErr(op string, id string, err error) error {
	if err == nil {
		return nil
	}
	// readHA already classified connection/escalation failures into a
	// well-coded HssCacheError; only a raw driver error reaching here
	// (the query itself ran but failed) needs classifying from scratch.
	var hce *core.HssCacheError
	if errors.As(err, &hce) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.NewError(op, core.NotFound, id, core.ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewError(op, core.Timeout, id, core.ErrTimeout)
	}
	return core.NewError(op, core.Unknown, id, err)
}

// GetRegData fetches ims_subscription_xml and charging addresses from the
// impu column family, spec §4.4/§6.3.
func (c *Client) GetRegData(ctx context.Context, impu string) (*RegData, error) {
	var row struct {
		ImsSubscriptionXML string         `db:"ims_subscription_xml"`
		PrimaryCCF         sql.NullString `db:"primary_ccf"`
		SecondaryCCF       sql.NullString `db:"secondary_ccf"`
		PrimaryECF         sql.NullString `db:"primary_ecf"`
		SecondaryECF       sql.NullString `db:"secondary_ecf"`
	}
	const q = `SELECT ims_subscription_xml, primary_ccf, secondary_ccf, primary_ecf, secondary_ecf
	           FROM impu WHERE impu = $1`

	err := c.readHA(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &row, q, impu)
	})
	if err != nil {
		return nil, classifyQueryErr("provstore.GetRegData", impu, err)
	}

	charging := impustore.ChargingAddresses{}
	if row.PrimaryCCF.Valid {
		charging.CCFs = append(charging.CCFs, row.PrimaryCCF.String)
	}
	if row.SecondaryCCF.Valid {
		charging.CCFs = append(charging.CCFs, row.SecondaryCCF.String)
	}
	if row.PrimaryECF.Valid {
		charging.ECFs = append(charging.ECFs, row.PrimaryECF.String)
	}
	if row.SecondaryECF.Valid {
		charging.ECFs = append(charging.ECFs, row.SecondaryECF.String)
	}
	return &RegData{ImsSubscriptionXML: row.ImsSubscriptionXML, ChargingAddresses: charging}, nil
}

// GetAuthVector fetches the digest auth vector from the impi column
// family. impu, if non-empty, additionally checks the dynamic
// public_id_<impu> membership marker column (spec §6.3) and returns
// NOT_FOUND if the private identity is not authorized for that public
// identity.
func (c *Client) GetAuthVector(ctx context.Context, impi string, impu string) (*DigestVector, error) {
	var row struct {
		HA1   string         `db:"digest_ha1"`
		Realm string         `db:"digest_realm"`
		QoP   sql.NullString `db:"digest_qop"`
	}
	const q = `SELECT digest_ha1, digest_realm, digest_qop FROM impi WHERE impi = $1`

	err := c.readHA(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &row, q, impi)
	})
	if err != nil {
		return nil, classifyQueryErr("provstore.GetAuthVector", impi, err)
	}

	if impu != "" {
		if ok, err := c.impuAuthorized(ctx, impi, impu); err != nil {
			return nil, err
		} else if !ok {
			return nil, core.NewError("provstore.GetAuthVector", core.NotFound, impi, core.ErrNotFound)
		}
	}

	qop := row.QoP.String
	if !row.QoP.Valid || qop == "" {
		qop = c.defaultQoP()
	}
	return &DigestVector{HA1: row.HA1, Realm: row.Realm, QoP: qop}, nil
}

func (c *Client) defaultQoP() string { return "auth" }

// impuAuthorized checks the dynamic public_id_<impu> membership marker
// column named per spec §6.3. The column name is built from a quoted
// identifier, never string-interpolated into the query's value position.
func (c *Client) impuAuthorized(ctx context.Context, impi, impu string) (bool, error) {
	column := quoteIdentifier("public_id_" + impu)
	query := fmt.Sprintf(`SELECT %s FROM impi WHERE impi = $1`, column)

	var marker sql.NullBool
	err := c.readHA(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &marker, query, impi)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		// An undefined-column error means this impi has no membership
		// marker for impu at all: treat as unauthorized, not an error.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42703" {
			return false, nil
		}
		return false, classifyQueryErr("provstore.GetAuthVector", impi, err)
	}
	return marker.Valid && marker.Bool, nil
}

func quoteIdentifier(name string) string {
	// Matches lib/pq's QuoteIdentifier: double any embedded quotes.
	escaped := ""
	for _, r := range name {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return `"` + escaped + `"`
}

// Close closes every host's connection pool.
func (c *Client) Close() error {
	var firstErr error
	for _, h := range c.hosts {
		if h.db == nil {
			continue
		}
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
