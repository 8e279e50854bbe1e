package family

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mealplanner/authcore/refresh"
)

const (
	statusNotFound   int64 = 0
	statusRevoked    int64 = 1
	statusExpired    int64 = 2
	statusSuperseded int64 = 3
	statusMismatch   int64 = 4
	statusRotated    int64 = 5
	statusGrace      int64 = 6
)

// The scripts mirror DecideRotate and DecideGrace. Timestamps are unix milliseconds computed
// by the caller and passed as strings.
const rotateScript = `
local fkey = KEYS[1]
local new_record_key = KEYS[2]
local presented = ARGV[1]
local new_id = ARGV[2]
local new_hash = ARGV[3]
local new_sealed = ARGV[4]
local now = ARGV[5]
local new_expires = ARGV[6]
local grace_expires = ARGV[7]
local retention = tonumber(ARGV[8])
local record_prefix = ARGV[9]
local family_id = ARGV[10]
local subject_prefix = ARGV[11]

local f = redis.call("HMGET", fkey, "state", "revoke_reason", "current_id", "current_hash", "current_expires", "previous_hash", "subject_id", "role", "created_at")
if not f[1] then
  return {0}
end
if f[1] == "revoked" then
  return {1, f[2] or ""}
end
if tonumber(f[5]) <= tonumber(now) then
  return {2}
end
if f[4] ~= presented then
  if f[6] and f[6] == presented then
    return {3}
  end
  return {4}
end

local old_id = f[3]
redis.call("HSET", record_prefix .. old_id, "superseded_by", new_id)
redis.call("HSET", new_record_key,
  "family_id", family_id, "secret_hash", new_hash, "issued_at", now, "expires_at", new_expires)
redis.call("HSET", fkey,
  "previous_id", old_id, "previous_hash", presented,
  "current_id", new_id, "current_hash", new_hash, "current_sealed", new_sealed,
  "current_expires", new_expires, "grace_expires", grace_expires, "last_rotated_at", now)
if retention > 0 then
  redis.call("PEXPIRE", new_record_key, retention)
  redis.call("PEXPIRE", fkey, retention)
  -- the subject index must outlive every family it lists
  local skey = subject_prefix .. f[7]
  redis.call("SADD", skey, family_id)
  redis.call("PEXPIRE", skey, retention)
end
return {5, old_id, f[7], f[8], f[9]}
`

const graceScript = `
local f = redis.call("HMGET", KEYS[1], "state", "revoke_reason", "current_expires", "previous_hash", "grace_expires")
if not f[1] then
  return {0}
end
if f[1] == "revoked" then
  return {1, f[2] or ""}
end
local now = tonumber(ARGV[2])
if tonumber(f[3]) <= now then
  return {2}
end
if f[4] and f[4] == ARGV[1] and f[5] and now < tonumber(f[5]) then
  return {6, redis.call("HGETALL", KEYS[1])}
end
return {4}
`

const revokeScript = `
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return 0
end
if state == "revoked" then
  return 1
end
redis.call("HSET", KEYS[1], "state", "revoked", "revoke_reason", ARGV[1], "revoked_at", ARGV[2])
redis.call("HDEL", KEYS[1], "current_sealed")
local retention = tonumber(ARGV[3])
if retention > 0 then
  redis.call("PEXPIRE", KEYS[1], retention)
end
return 2
`

var (
	rotateLua = redis.NewScript(rotateScript)
	graceLua  = redis.NewScript(graceScript)
	revokeLua = redis.NewScript(revokeScript)
)

// RedisStore keeps families and records as Redis hashes:
//
//	{prefix}:f:{familyID}   family
//	{prefix}:r:{refreshID}  record
//	{prefix}:s:{subjectID}  set of family ids for RevokeSubject
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	cfg    Config
}

// NewRedisStore validates cfg and returns a store using prefix as key namespace.
func NewRedisStore(rdb redis.UniversalClient, prefix string, cfg Config) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("family: redis client is required")
	}
	if prefix == "" {
		prefix = "atf"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RedisStore{redis: rdb, prefix: prefix, cfg: cfg}, nil
}

func (s *RedisStore) familyKey(familyID string) string {
	return s.prefix + ":f:" + familyID
}

func (s *RedisStore) recordPrefix() string {
	return s.prefix + ":r:"
}

func (s *RedisStore) recordKey(refreshID string) string {
	return s.recordPrefix() + refreshID
}

func (s *RedisStore) subjectPrefix() string {
	return s.prefix + ":s:"
}

func (s *RedisStore) subjectKey(subjectID string) string {
	return s.subjectPrefix() + subjectID
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, subjectID, role string) (Family, Record, refresh.Secret, error) {
	if subjectID == "" {
		return Family{}, Record{}, refresh.Secret{}, errors.New("family: subject is required")
	}
	secret, err := refresh.NewSecret()
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, err
	}

	now := s.cfg.Now().Truncate(time.Millisecond)
	fam := Family{
		ID:               uuid.NewString(),
		SubjectID:        subjectID,
		Role:             role,
		State:            StateActive,
		CurrentRefreshID: uuid.NewString(),
		CreatedAt:        now,
		LastRotatedAt:    now,
	}
	rec := Record{
		ID:         fam.CurrentRefreshID,
		FamilyID:   fam.ID,
		SecretHash: secret.Hash(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.RefreshTTL),
	}
	sealed, err := s.cfg.Sealer.Seal(fam.ID, secret)
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, err
	}

	fkey := s.familyKey(fam.ID)
	rkey := s.recordKey(rec.ID)
	skey := s.subjectKey(subjectID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fkey,
			"subject_id", subjectID,
			"role", role,
			"state", StateActive.String(),
			"current_id", rec.ID,
			"current_hash", rec.SecretHash,
			"current_sealed", sealed,
			"current_expires", unixMilli(rec.ExpiresAt),
			"created_at", unixMilli(now),
			"last_rotated_at", unixMilli(now),
		)
		pipe.HSet(ctx, rkey,
			"family_id", fam.ID,
			"secret_hash", rec.SecretHash,
			"issued_at", unixMilli(now),
			"expires_at", unixMilli(rec.ExpiresAt),
		)
		pipe.SAdd(ctx, skey, fam.ID)
		if s.cfg.Retention > 0 {
			pipe.PExpire(ctx, fkey, s.cfg.Retention)
			pipe.PExpire(ctx, rkey, s.cfg.Retention)
			pipe.PExpire(ctx, skey, s.cfg.Retention)
		}
		return nil
	})
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, unavailable(err)
	}

	return fam, rec, secret, nil
}

// Rotate implements Store.
func (s *RedisStore) Rotate(ctx context.Context, familyID string, presented refresh.Secret) (Family, Record, refresh.Secret, error) {
	next, err := refresh.NewSecret()
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, err
	}
	sealed, err := s.cfg.Sealer.Seal(familyID, next)
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, err
	}

	now := s.cfg.Now().Truncate(time.Millisecond)
	rec := Record{
		ID:         uuid.NewString(),
		FamilyID:   familyID,
		SecretHash: next.Hash(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.RefreshTTL),
	}
	graceExpires := now.Add(s.cfg.GraceWindow)

	res, err := rotateLua.Run(ctx, s.redis,
		[]string{s.familyKey(familyID), s.recordKey(rec.ID)},
		presented.Hash(),
		rec.ID,
		rec.SecretHash,
		sealed,
		unixMilli(now),
		unixMilli(rec.ExpiresAt),
		unixMilli(graceExpires),
		s.cfg.Retention.Milliseconds(),
		s.recordPrefix(),
		familyID,
		s.subjectPrefix(),
	).Slice()
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, unavailable(err)
	}

	status, reason, err := scriptStatus(res)
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, err
	}
	switch status {
	case statusRotated:
	case statusNotFound:
		return Family{}, Record{}, refresh.Secret{}, ErrFamilyNotFound
	case statusRevoked:
		return Family{}, Record{}, refresh.Secret{}, &RevokedError{Reason: reason}
	case statusExpired:
		return Family{}, Record{}, refresh.Secret{}, ErrRefreshExpired
	case statusSuperseded:
		return Family{}, Record{}, refresh.Secret{}, ErrSuperseded
	case statusMismatch:
		return Family{}, Record{}, refresh.Secret{}, ErrSecretMismatch
	default:
		return Family{}, Record{}, refresh.Secret{}, fmt.Errorf("%w: rotate status %d", ErrCorrupt, status)
	}

	if len(res) < 5 {
		return Family{}, Record{}, refresh.Secret{}, ErrCorrupt
	}
	previousID, _ := res[1].(string)
	subjectID, _ := res[2].(string)
	role, _ := res[3].(string)
	createdRaw, _ := res[4].(string)
	createdAt, err := parseMilli(createdRaw)
	if err != nil {
		return Family{}, Record{}, refresh.Secret{}, err
	}

	fam := Family{
		ID:                familyID,
		SubjectID:         subjectID,
		Role:              role,
		State:             StateActive,
		CurrentRefreshID:  rec.ID,
		PreviousRefreshID: previousID,
		GraceExpiresAt:    graceExpires,
		CreatedAt:         createdAt,
		LastRotatedAt:     now,
	}
	return fam, rec, next, nil
}

// ValidateGrace implements Store.
func (s *RedisStore) ValidateGrace(ctx context.Context, familyID string, presented refresh.Secret) (Current, bool, error) {
	now := s.cfg.Now()
	res, err := graceLua.Run(ctx, s.redis,
		[]string{s.familyKey(familyID)},
		presented.Hash(),
		unixMilli(now),
	).Slice()
	if err != nil {
		return Current{}, false, unavailable(err)
	}

	status, reason, err := scriptStatus(res)
	if err != nil {
		return Current{}, false, err
	}
	switch status {
	case statusGrace:
	case statusMismatch:
		return Current{}, false, nil
	case statusNotFound:
		return Current{}, false, ErrFamilyNotFound
	case statusRevoked:
		return Current{}, false, &RevokedError{Reason: reason}
	case statusExpired:
		return Current{}, false, ErrRefreshExpired
	default:
		return Current{}, false, fmt.Errorf("%w: grace status %d", ErrCorrupt, status)
	}

	if len(res) < 2 {
		return Current{}, false, ErrCorrupt
	}
	pairs, ok := res[1].([]interface{})
	if !ok {
		return Current{}, false, ErrCorrupt
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}

	fam, err := decodeFamily(familyID, fields)
	if err != nil {
		return Current{}, false, err
	}
	secret, err := s.cfg.Sealer.Open(familyID, []byte(fields["current_sealed"]))
	if err != nil {
		return Current{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	currentExpires, err := parseMilli(fields["current_expires"])
	if err != nil {
		return Current{}, false, err
	}

	return Current{
		Family: fam,
		Record: Record{
			ID:         fam.CurrentRefreshID,
			FamilyID:   familyID,
			SecretHash: fields["current_hash"],
			IssuedAt:   fam.LastRotatedAt,
			ExpiresAt:  currentExpires,
		},
		Secret: secret,
	}, true, nil
}

// Revoke implements Store.
func (s *RedisStore) Revoke(ctx context.Context, familyID string, reason RevokeReason) (bool, error) {
	status, err := revokeLua.Run(ctx, s.redis,
		[]string{s.familyKey(familyID)},
		string(reason),
		unixMilli(s.cfg.Now()),
		s.cfg.Retention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return status == 2, nil
}

// RevokeSubject implements Store.
//
// The subject index is read first and each family is revoked by its own script, so a family
// created concurrently with this call may survive it.
func (s *RedisStore) RevokeSubject(ctx context.Context, subjectID string, reason RevokeReason) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.subjectKey(subjectID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, unavailable(err)
	}

	revoked := 0
	for _, id := range ids {
		ok, err := s.Revoke(ctx, id, reason)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, familyID string) (Family, error) {
	fields, err := s.redis.HGetAll(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		return Family{}, unavailable(err)
	}
	if len(fields) == 0 {
		return Family{}, ErrFamilyNotFound
	}
	return decodeFamily(familyID, fields)
}

// GetRecord reads a refresh record. It is used for audit inspection.
func (s *RedisStore) GetRecord(ctx context.Context, refreshID string) (Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(refreshID)).Result()
	if err != nil {
		return Record{}, unavailable(err)
	}
	if len(fields) == 0 {
		return Record{}, ErrFamilyNotFound
	}

	issued, err := parseMilli(fields["issued_at"])
	if err != nil {
		return Record{}, err
	}
	expires, err := parseMilli(fields["expires_at"])
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:           refreshID,
		FamilyID:     fields["family_id"],
		SecretHash:   fields["secret_hash"],
		IssuedAt:     issued,
		ExpiresAt:    expires,
		SupersededBy: fields["superseded_by"],
	}, nil
}

func decodeFamily(familyID string, fields map[string]string) (Family, error) {
	state, err := ParseState(fields["state"])
	if err != nil {
		return Family{}, err
	}
	fam := Family{
		ID:                familyID,
		SubjectID:         fields["subject_id"],
		Role:              fields["role"],
		State:             state,
		CurrentRefreshID:  fields["current_id"],
		PreviousRefreshID: fields["previous_id"],
		RevokeReason:      RevokeReason(fields["revoke_reason"]),
	}

	for field, dst := range map[string]*time.Time{
		"grace_expires":   &fam.GraceExpiresAt,
		"created_at":      &fam.CreatedAt,
		"last_rotated_at": &fam.LastRotatedAt,
		"revoked_at":      &fam.RevokedAt,
	} {
		if fields[field] == "" {
			continue
		}
		ts, err := parseMilli(fields[field])
		if err != nil {
			return Family{}, err
		}
		*dst = ts
	}
	return fam, nil
}

func scriptStatus(res []interface{}) (int64, RevokeReason, error) {
	if len(res) == 0 {
		return 0, "", ErrCorrupt
	}
	status, ok := res[0].(int64)
	if !ok {
		return 0, "", ErrCorrupt
	}
	var reason RevokeReason
	if status == statusRevoked && len(res) > 1 {
		if v, ok := res[1].(string); ok {
			reason = RevokeReason(v)
		}
	}
	return status, reason, nil
}

func unixMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMilli(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrCorrupt, v)
	}
	return time.UnixMilli(ms), nil
}
