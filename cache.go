package sslio

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/bifurcation/mint"
	_ "github.com/mattn/go-sqlite3"
)

// A resumption PSK whose nominal expiry is this close is not worth
// offering; the server would likely reject it mid-flight.
const sessionValidityMargin = 10 * time.Second

// SessionCache persists TLS resumption state across process restarts.  It
// implements mint.PreSharedKeyCache over a sqlite database, keyed by the
// origin the engine resumes against, so it plugs directly into the
// client's (ticket store) or server's (session store) engine config.
type SessionCache struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSessionCache opens or creates the cache database at path.
func OpenSessionCache(path string) (*SessionCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sslio: open session cache: %w", err)
	}
	sqlStmt := `
	create table if not exists sessions (origin text not null primary key,
		identity blob not null,
		psk blob not null,
		cipher_suite integer not null,
		is_resumption integer not null,
		next_proto text not null,
		received_at integer not null,
		expires_at integer not null,
		ticket_age_add integer not null);
	`
	if _, err := db.Exec(sqlStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("sslio: create session table: %w", err)
	}
	return &SessionCache{db: db}, nil
}

// Get returns the stored PSK for origin, if present and not about to
// expire.  Expired rows are deleted on the way out.
func (sc *SessionCache) Get(origin string) (mint.PreSharedKey, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	row := sc.db.QueryRow(
		`select identity, psk, cipher_suite, is_resumption, next_proto,
			received_at, expires_at, ticket_age_add
		 from sessions where origin = ?`, origin)

	var psk mint.PreSharedKey
	var suite uint16
	var isResumption int
	var receivedAt, expiresAt int64
	err := row.Scan(&psk.Identity, &psk.Key, &suite, &isResumption,
		&psk.NextProto, &receivedAt, &expiresAt, &psk.TicketAgeAdd)
	if err == sql.ErrNoRows {
		return mint.PreSharedKey{}, false
	}
	if err != nil {
		logf(logTypeCache, "session lookup for %q failed: %v", origin, err)
		return mint.PreSharedKey{}, false
	}

	psk.CipherSuite = mint.CipherSuite(suite)
	psk.IsResumption = isResumption != 0
	psk.ReceivedAt = time.Unix(receivedAt, 0)
	psk.ExpiresAt = time.Unix(expiresAt, 0)

	if psk.ExpiresAt.Before(time.Now().Add(sessionValidityMargin)) {
		sc.deleteLocked(origin)
		return mint.PreSharedKey{}, false
	}
	return psk, true
}

// Put stores or replaces the PSK for origin.  PreSharedKeyCache offers no
// error channel, so storage failures are logged and dropped; resumption is
// an optimization, not a correctness requirement.
func (sc *SessionCache) Put(origin string, psk mint.PreSharedKey) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	isResumption := 0
	if psk.IsResumption {
		isResumption = 1
	}
	_, err := sc.db.Exec(
		`insert or replace into sessions values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		origin, psk.Identity, psk.Key, uint16(psk.CipherSuite), isResumption,
		psk.NextProto, psk.ReceivedAt.Unix(), psk.ExpiresAt.Unix(),
		psk.TicketAgeAdd)
	if err != nil {
		logf(logTypeCache, "session store for %q failed: %v", origin, err)
	}
}

// Size reports the number of stored sessions, expired or not.
func (sc *SessionCache) Size() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var n int
	if err := sc.db.QueryRow(`select count(*) from sessions`).Scan(&n); err != nil {
		logf(logTypeCache, "session count failed: %v", err)
		return 0
	}
	return n
}

// Expire deletes every session whose expiry is at or before now and
// reports how many were removed.
func (sc *SessionCache) Expire(now time.Time) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	res, err := sc.db.Exec(`delete from sessions where expires_at <= ?`, now.Unix())
	if err != nil {
		logf(logTypeCache, "session expiry sweep failed: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// Delete removes the session for origin, reporting whether one existed.
func (sc *SessionCache) Delete(origin string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.deleteLocked(origin)
}

func (sc *SessionCache) deleteLocked(origin string) bool {
	res, err := sc.db.Exec(`delete from sessions where origin = ?`, origin)
	if err != nil {
		logf(logTypeCache, "session delete for %q failed: %v", origin, err)
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

func (sc *SessionCache) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.db.Close()
}
