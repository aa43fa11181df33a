package storage

import (
	"context"
	"sort"
	"strconv"
	"time"

	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ===== keys =====
//
// sess:u:<userId>    hash{socket_id, connected_at, last_activity}  (millis)
// sess:sock:<sockId> string -> userId
// sess:online        set of userIds
//
// Sessions are hashes, not JSON blobs, so the scripts below can follow the
// socket_id field without a JSON codec inside redis.

const (
	sessPrefix = "sess:u:"
	sockPrefix = "sess:sock:"
	onlineKey  = "sess:online"
)

// ===== Lua =====

// Bind user to socket; evicts a previous socket of the same user and a
// previous owner of the same socket, so neither directional map dangles.
// KEYS[1]=session hash, KEYS[2]=online set, KEYS[3]=new socket key
// ARGV[1]=userId ARGV[2]=socketId ARGV[3]=nowMillis ARGV[4]=ttlSec
// ARGV[5]=socket key prefix ARGV[6]=session key prefix
// Returns 1 on fresh bind, 2 when an old socket was replaced.
const luaSetOnline = `
local old = redis.call("HGET", KEYS[1], "socket_id")
if old and old ~= ARGV[2] then
  redis.call("DEL", ARGV[5] .. old)
end
local prev = redis.call("GET", KEYS[3])
if prev and prev ~= ARGV[1] then
  local prevKey = ARGV[6] .. prev
  if redis.call("HGET", prevKey, "socket_id") == ARGV[2] then
    redis.call("DEL", prevKey)
    redis.call("SREM", KEYS[2], prev)
  end
end
local created = redis.call("HGET", KEYS[1], "connected_at")
if not created then created = ARGV[3] end
redis.call("HSET", KEYS[1],
  "socket_id", ARGV[2],
  "connected_at", created,
  "last_activity", ARGV[3])
redis.call("EXPIRE", KEYS[1], ARGV[4])
redis.call("SET", KEYS[3], ARGV[1], "EX", ARGV[4])
redis.call("SADD", KEYS[2], ARGV[1])
if old and old ~= ARGV[2] then return 2 end
return 1
`

// Take the whole user offline.
// KEYS[1]=session hash, KEYS[2]=online set
// ARGV[1]=userId ARGV[2]=socket key prefix
const luaSetOffline = `
local sid = redis.call("HGET", KEYS[1], "socket_id")
if sid then
  redis.call("DEL", ARGV[2] .. sid)
end
redis.call("DEL", KEYS[1])
return redis.call("SREM", KEYS[2], ARGV[1])
`

// Drop one socket; the user goes offline only if this socket still owns
// the session (a reconnect may have replaced it already).
// KEYS[1]=socket key, KEYS[2]=online set
// ARGV[1]=socketId ARGV[2]=session key prefix
// Returns the affected userId, "" when the socket was unknown.
const luaRemoveSocket = `
local uid = redis.call("GET", KEYS[1])
if not uid then return "" end
redis.call("DEL", KEYS[1])
local sessKey = ARGV[2] .. uid
local cur = redis.call("HGET", sessKey, "socket_id")
if cur == ARGV[1] then
  redis.call("DEL", sessKey)
  redis.call("SREM", KEYS[2], uid)
end
return uid
`

// Refresh activity and TTLs.
// KEYS[1]=session hash
// ARGV[1]=nowMillis ARGV[2]=ttlSec ARGV[3]=socket key prefix
const luaTouch = `
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
redis.call("HSET", KEYS[1], "last_activity", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
local sid = redis.call("HGET", KEYS[1], "socket_id")
if sid then
  redis.call("EXPIRE", ARGV[3] .. sid, ARGV[2])
end
return 1
`

type SessionConfig struct {
	TTL             time.Duration // session hash TTL
	ActivityTimeout time.Duration // idle cutoff used by the sweeper
}

// SessionRegistry tracks which reviewers are online and which socket each
// one owns. Registry state is disposable; a reviewer who reconnects simply
// rebinds.
type SessionRegistry struct {
	rdb  *redis.Client
	conf SessionConfig

	luaOnline *redis.Script
	luaOff    *redis.Script
	luaRmSock *redis.Script
	luaTouch  *redis.Script
}

func NewSessionRegistry(rdb *redis.Client, conf SessionConfig) *SessionRegistry {
	if conf.TTL <= 0 {
		conf.TTL = 24 * time.Hour
	}
	if conf.ActivityTimeout <= 0 {
		conf.ActivityTimeout = 30 * time.Minute
	}
	return &SessionRegistry{
		rdb:       rdb,
		conf:      conf,
		luaOnline: redis.NewScript(luaSetOnline),
		luaOff:    redis.NewScript(luaSetOffline),
		luaRmSock: redis.NewScript(luaRemoveSocket),
		luaTouch:  redis.NewScript(luaTouch),
	}
}

func sessionKey(userID string) string { return sessPrefix + userID }
func socketKey(socketID string) string { return sockPrefix + socketID }

func (r *SessionRegistry) ttlSec() int64 { return int64(r.conf.TTL / time.Second) }

// SetOnline binds userID to socketID, replacing any previous socket.
func (r *SessionRegistry) SetOnline(ctx context.Context, userID, socketID string) error {
	return withRetry(ctx, func() error {
		return r.luaOnline.Run(ctx, r.rdb,
			[]string{sessionKey(userID), onlineKey, socketKey(socketID)},
			userID, socketID, time.Now().UnixMilli(), r.ttlSec(), sockPrefix, sessPrefix,
		).Err()
	})
}

func (r *SessionRegistry) SetOffline(ctx context.Context, userID string) error {
	return withRetry(ctx, func() error {
		return r.luaOff.Run(ctx, r.rdb,
			[]string{sessionKey(userID), onlineKey},
			userID, sockPrefix,
		).Err()
	})
}

// RemoveSocket handles a socket disconnect and returns the userID that
// went offline, "" when the socket was unknown or already replaced.
func (r *SessionRegistry) RemoveSocket(ctx context.Context, socketID string) (string, error) {
	var uid string
	err := withRetry(ctx, func() error {
		res, err := r.luaRmSock.Run(ctx, r.rdb,
			[]string{socketKey(socketID), onlineKey},
			socketID, sessPrefix,
		).Text()
		if err != nil {
			return err
		}
		uid = res
		return nil
	})
	return uid, err
}

// Touch refreshes last_activity; unknown sessions are ignored.
func (r *SessionRegistry) Touch(ctx context.Context, userID string) error {
	return withRetry(ctx, func() error {
		return r.luaTouch.Run(ctx, r.rdb,
			[]string{sessionKey(userID)},
			time.Now().UnixMilli(), r.ttlSec(), sockPrefix,
		).Err()
	})
}

func (r *SessionRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	var online bool
	err := withRetry(ctx, func() error {
		ok, err := r.rdb.SIsMember(ctx, onlineKey, userID).Result()
		if err != nil {
			return err
		}
		online = ok
		return nil
	})
	return online, err
}

// SocketFor returns the socket currently bound to userID, "" when the
// user is offline.
func (r *SessionRegistry) SocketFor(ctx context.Context, userID string) (string, error) {
	sid, err := r.rdb.HGet(ctx, sessionKey(userID), "socket_id").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errs.ErrDependency.WithDetail(err.Error())
	}
	return sid, nil
}

// UserFor returns the reviewer owning socketID, "" when unmapped.
func (r *SessionRegistry) UserFor(ctx context.Context, socketID string) (string, error) {
	uid, err := r.rdb.Get(ctx, socketKey(socketID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errs.ErrDependency.WithDetail(err.Error())
	}
	return uid, nil
}

func (r *SessionRegistry) GetSession(ctx context.Context, userID string) (*model.ReviewerSession, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	if len(fields) == 0 {
		return nil, errs.ErrRecordNotFound
	}
	return sessionFromFields(userID, fields), nil
}

// ListOnline returns online reviewers sorted by connect time, oldest
// first. Members whose session hash expired are pruned on the way.
func (r *SessionRegistry) ListOnline(ctx context.Context) ([]*model.ReviewerSession, error) {
	members, err := r.rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}

	out := make([]*model.ReviewerSession, 0, len(members))
	for _, uid := range members {
		fields, err := r.rdb.HGetAll(ctx, sessionKey(uid)).Result()
		if err != nil {
			return nil, errs.ErrDependency.WithDetail(err.Error())
		}
		if len(fields) == 0 {
			// TTL outlived the set membership, self-heal.
			_ = r.rdb.SRem(ctx, onlineKey, uid).Err()
			continue
		}
		out = append(out, sessionFromFields(uid, fields))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// SweepIdle takes reviewers offline whose last activity is older than the
// configured timeout, returning the evicted userIds.
func (r *SessionRegistry) SweepIdle(ctx context.Context, now time.Time) ([]string, error) {
	sessions, err := r.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-r.conf.ActivityTimeout)

	var evicted []string
	for _, s := range sessions {
		if s.LastActivity.Before(cutoff) {
			if err := r.SetOffline(ctx, s.UserID); err != nil {
				return evicted, err
			}
			evicted = append(evicted, s.UserID)
		}
	}
	return evicted, nil
}

func sessionFromFields(userID string, fields map[string]string) *model.ReviewerSession {
	return &model.ReviewerSession{
		UserID:       userID,
		SocketID:     fields["socket_id"],
		ConnectedAt:  millisField(fields, "connected_at"),
		LastActivity: millisField(fields, "last_activity"),
		Online:       true,
	}
}

func millisField(fields map[string]string, name string) time.Time {
	ms, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
