// ABOUTME: Per-session credential and key-record persistence over the kv store
// ABOUTME: Namespaced keys <ns>:<session>:creds|keys:<type>:<id>|meta, no read caching

package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/kv"
	"github.com/2389/relay-gateway/internal/provider"
)

// DefaultNamespace is the key prefix used when Config.Namespace is empty.
const DefaultNamespace = "session"

var (
	// ErrNoCredentials means no credential record exists for the session.
	// A stored empty blob is not absent.
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrInvalidSessionID is returned for ids outside [A-Za-z0-9._@+-]{1,128}.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrInvalidKeyType is returned for an empty key type or one containing
	// ':'. Key ids may contain ':' since the type ends at the first one.
	ErrInvalidKeyType = errors.New("invalid key type")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@+-]{1,128}$`)

// ValidateSessionID rejects ids that could escape their key namespace.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// StorePersistenceError wraps a failed write. Record names what was being
// written ("credentials", "keys:<type>", "meta" or "all").
type StorePersistenceError struct {
	SessionID string
	Record    string
	Err       error
}

func (e *StorePersistenceError) Error() string {
	return fmt.Sprintf("persisting %s for session %s: %v", e.Record, e.SessionID, e.Err)
}

func (e *StorePersistenceError) Unwrap() error {
	return e.Err
}

// Meta is the small per-session record that survives restarts.
type Meta struct {
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Config configures a Store.
type Config struct {
	Namespace string
	// CredentialsTTL expires the credential record if it is not rewritten.
	// Zero keeps it forever.
	CredentialsTTL time.Duration
}

// Store adapts a kv.Store to session credential semantics.
type Store struct {
	kv        kv.Store
	namespace string
	credTTL   time.Duration
	logger    *slog.Logger
}

// New creates a Store over backend.
func New(backend kv.Store, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Store{
		kv:        backend,
		namespace: ns,
		credTTL:   cfg.CredentialsTTL,
		logger:    logger.With("component", "credstore"),
	}
}

func (s *Store) sessionPrefix(id string) string {
	return kv.JoinKey(s.namespace, id) + ":"
}

func (s *Store) credsKey(id string) string {
	return kv.JoinKey(s.namespace, id, "creds")
}

func (s *Store) metaKey(id string) string {
	return kv.JoinKey(s.namespace, id, "meta")
}

func validateKeyType(keyType string) error {
	if keyType == "" || strings.Contains(keyType, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidKeyType, keyType)
	}
	return nil
}

func (s *Store) keyKey(id, keyType, keyID string) string {
	return kv.JoinKey(s.namespace, id, "keys", keyType, keyID)
}

// GetCredentials returns the stored blob or ErrNoCredentials.
func (s *Store) GetCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	blob, err := s.kv.Get(ctx, s.credsKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials for %s: %w", sessionID, err)
	}
	return blob, nil
}

// SetCredentials overwrites the credential blob and refreshes its TTL.
func (s *Store) SetCredentials(ctx context.Context, sessionID string, blob []byte) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.credsKey(sessionID), blob, s.credTTL); err != nil {
		return &StorePersistenceError{SessionID: sessionID, Record: "credentials", Err: err}
	}
	return nil
}

// GetKeys returns the records of keyType for ids. Absent ids are omitted.
func (s *Store) GetKeys(ctx context.Context, sessionID, keyType string, ids []string) (map[string][]byte, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := validateKeyType(keyType); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string][]byte{}, nil
	}

	byKey := make(map[string]string, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		k := s.keyKey(sessionID, keyType, id)
		byKey[k] = id
		keys = append(keys, k)
	}

	found, err := s.kv.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("reading %s keys for %s: %w", keyType, sessionID, err)
	}

	out := make(map[string][]byte, len(found))
	for k, v := range found {
		out[byKey[k]] = v
	}
	return out, nil
}

// SetKeys upserts records of keyType in one batch. Nil values delete the id.
func (s *Store) SetKeys(ctx context.Context, sessionID, keyType string, values map[string][]byte) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateKeyType(keyType); err != nil {
		return err
	}

	upserts := make(map[string][]byte, len(values))
	var deletes []string
	for id, v := range values {
		k := s.keyKey(sessionID, keyType, id)
		if v == nil {
			deletes = append(deletes, k)
			continue
		}
		upserts[k] = v
	}

	if err := s.kv.SetMany(ctx, upserts, 0); err != nil {
		return &StorePersistenceError{SessionID: sessionID, Record: "keys:" + keyType, Err: err}
	}
	if len(deletes) > 0 {
		if err := s.kv.Delete(ctx, deletes...); err != nil {
			return &StorePersistenceError{SessionID: sessionID, Record: "keys:" + keyType, Err: err}
		}
	}
	return nil
}

// DeleteKeys removes records of keyType for ids.
func (s *Store) DeleteKeys(ctx context.Context, sessionID, keyType string, ids []string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateKeyType(keyType); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyKey(sessionID, keyType, id)
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		return &StorePersistenceError{SessionID: sessionID, Record: "keys:" + keyType, Err: err}
	}
	return nil
}

// DeleteAll removes every record of the session. Safe when nothing exists.
func (s *Store) DeleteAll(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := s.kv.DeletePrefix(ctx, s.sessionPrefix(sessionID)); err != nil {
		return &StorePersistenceError{SessionID: sessionID, Record: "all", Err: err}
	}
	s.logger.Debug("deleted session records", "session_id", sessionID)
	return nil
}

// SetMeta stores the session's metadata record.
func (s *Store) SetMeta(ctx context.Context, sessionID string, meta Meta) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding meta: %w", err)
	}
	if err := s.kv.Set(ctx, s.metaKey(sessionID), data, 0); err != nil {
		return &StorePersistenceError{SessionID: sessionID, Record: "meta", Err: err}
	}
	return nil
}

// GetMeta returns the session's metadata, or a zero Meta when none is stored.
func (s *Store) GetMeta(ctx context.Context, sessionID string) (Meta, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Meta{}, err
	}
	data, err := s.kv.Get(ctx, s.metaKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("reading meta for %s: %w", sessionID, err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("decoding meta for %s: %w", sessionID, err)
	}
	return meta, nil
}

// ListSessions returns the ids of every session with stored credentials,
// sorted.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, s.namespace+":")
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var ids []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, s.namespace+":")
		id, sub, ok := strings.Cut(rest, ":")
		if !ok || sub != "creds" {
			continue
		}
		if ValidateSessionID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Keys returns the key-record capability for one session.
func (s *Store) Keys(sessionID string) *SessionKeys {
	return &SessionKeys{store: s, sessionID: sessionID}
}

// SessionKeys binds Store key operations to one session.
type SessionKeys struct {
	store     *Store
	sessionID string
}

func (k *SessionKeys) Get(ctx context.Context, keyType string, ids []string) (map[string][]byte, error) {
	return k.store.GetKeys(ctx, k.sessionID, keyType, ids)
}

func (k *SessionKeys) Set(ctx context.Context, keyType string, values map[string][]byte) error {
	return k.store.SetKeys(ctx, k.sessionID, keyType, values)
}

func (k *SessionKeys) Delete(ctx context.Context, keyType string, ids []string) error {
	return k.store.DeleteKeys(ctx, k.sessionID, keyType, ids)
}

var _ provider.KeyStore = (*SessionKeys)(nil)
