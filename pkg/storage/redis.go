package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/veilchat/veilchat-node/pkg/protocol"
)

// Redis is a Store backend for multi-node deployments where several
// relays share one registration directory. The forwarding queue stays
// node-local (SQLite or memory); only registrations move to Redis.
type Redis struct {
	rdb *redis.Client
	ctx context.Context
}

// NewRedis connects a registration store to a Redis server.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &Redis{rdb: rdb, ctx: ctx}, nil
}

func regKey(addr protocol.Address) string {
	return fmt.Sprintf("reg:%x:%d", addr.UserID, addr.DeviceID)
}

func poolKey(addr protocol.Address) string {
	return fmt.Sprintf("otpk:%x:%d", addr.UserID, addr.DeviceID)
}

func devicesKey(userID []byte) string {
	return fmt.Sprintf("devices:%x", userID)
}

// MergeRegistration applies the append-or-replace merge rule under a
// WATCH transaction on the registration hash.
func (r *Redis) MergeRegistration(addr protocol.Address, reg *Registration) error {
	rk, pk := regKey(addr), poolKey(addr)

	merge := func(tx *redis.Tx) error {
		existing, err := tx.HGetAll(r.ctx, rk).Result()
		if err != nil {
			return err
		}

		replace := true
		if len(existing) > 0 {
			id, _ := strconv.ParseUint(existing["registration_id"], 10, 32)
			replace = uint32(id) != reg.RegistrationID ||
				!bytes.Equal([]byte(existing["signed_pre_key"]), reg.SignedPreKey)
		}

		_, err = tx.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
			if replace {
				pipe.Del(r.ctx, pk)
				pipe.HSet(r.ctx, rk,
					"registration_id", strconv.FormatUint(uint64(reg.RegistrationID), 10),
					"signed_pre_key", reg.SignedPreKey,
				)
			}
			for _, key := range reg.OneTimePreKeys {
				pipe.RPush(r.ctx, pk, key)
			}
			pipe.SAdd(r.ctx, devicesKey(addr.UserID), strconv.FormatUint(uint64(addr.DeviceID), 10))
			return nil
		})
		return err
	}

	// Retry on contention; WATCH aborts the pipeline when rk changes.
	for i := 0; i < 5; i++ {
		err := r.rdb.Watch(r.ctx, merge, rk)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("merge registration %s: too much contention", addr)
}

// Registration returns the record for addr.
func (r *Redis) Registration(addr protocol.Address) (*Registration, error) {
	existing, err := r.rdb.HGetAll(r.ctx, regKey(addr)).Result()
	if err != nil {
		return nil, fmt.Errorf("load registration: %w", err)
	}
	if len(existing) == 0 {
		return nil, ErrNotFound
	}

	id, _ := strconv.ParseUint(existing["registration_id"], 10, 32)
	reg := &Registration{
		RegistrationID: uint32(id),
		SignedPreKey:   []byte(existing["signed_pre_key"]),
	}

	pool, err := r.rdb.LRange(r.ctx, poolKey(addr), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load prekey pool: %w", err)
	}
	for _, key := range pool {
		reg.OneTimePreKeys = append(reg.OneTimePreKeys, []byte(key))
	}

	return reg, nil
}

// DeleteRegistration removes the record and its prekey pool.
func (r *Redis) DeleteRegistration(addr protocol.Address) error {
	_, err := r.rdb.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(r.ctx, regKey(addr), poolKey(addr))
		pipe.SRem(r.ctx, devicesKey(addr.UserID), strconv.FormatUint(uint64(addr.DeviceID), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}

// DevicesForUser lists registered device addresses, ordered by deviceID.
func (r *Redis) DevicesForUser(userID []byte) ([]protocol.Address, error) {
	members, err := r.rdb.SMembers(r.ctx, devicesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var out []protocol.Address
	for _, m := range members {
		deviceID, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			continue
		}
		addr := protocol.Address{UserID: userID, DeviceID: uint32(deviceID)}
		// Membership can outlive a deleted hash; verify before reporting.
		exists, err := r.rdb.Exists(r.ctx, regKey(addr)).Result()
		if err != nil {
			return nil, fmt.Errorf("check device: %w", err)
		}
		if exists > 0 {
			out = append(out, addr)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// HasUser reports whether any device of the user is registered.
func (r *Redis) HasUser(userID []byte) (bool, error) {
	devices, err := r.DevicesForUser(userID)
	return len(devices) > 0, err
}

// TakeOneTimePreKey pops the oldest prekey for addr.
func (r *Redis) TakeOneTimePreKey(addr protocol.Address) ([]byte, int, error) {
	exists, err := r.rdb.Exists(r.ctx, regKey(addr)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("check registration: %w", err)
	}
	if exists == 0 {
		return nil, 0, ErrNotFound
	}

	key, err := r.rdb.LPop(r.ctx, poolKey(addr)).Result()
	if err == redis.Nil {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("pop prekey: %w", err)
	}

	remaining, err := r.rdb.LLen(r.ctx, poolKey(addr)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count pool: %w", err)
	}

	return []byte(key), int(remaining), nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
