package registry

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL = 300 * time.Second
	shadowTTL  = 24 * time.Hour
	redisOpTO  = 2 * time.Second
)

// RedisSessions mirrors connection state into Redis: a per-peer session key
// with a TTL refreshed on every heartbeat, and a long-lived device shadow
// recording when the peer was last seen. Operations run on their own
// goroutine so the reactor never blocks on Redis; failures are logged and
// otherwise ignored.
type RedisSessions struct {
	client       *redis.Client
	controllerID string
	cid          string
	logger       *log.Logger
}

// NewRedisSessions creates the store. cid is the controller identity stamped
// into session values so other processes can tell which controller instance
// holds the connection.
func NewRedisSessions(client *redis.Client, controllerID, cid string) *RedisSessions {
	return &RedisSessions{
		client:       client,
		controllerID: controllerID,
		cid:          cid,
		logger:       log.New(os.Stderr, "[Sessions] ", log.LstdFlags),
	}
}

func sessionKey(addr netip.AddrPort) string {
	return fmt.Sprintf("lcs:sess:%s", addr)
}

func shadowKey(addr netip.AddrPort) string {
	return fmt.Sprintf("lcs:shadow:%s", addr)
}

// Register records a fresh connection.
func (s *RedisSessions) Register(addr netip.AddrPort, attempts uint) {
	value := fmt.Sprintf("%s:%d:%s", s.controllerID, attempts, s.cid)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTO)
		defer cancel()
		if err := s.client.Set(ctx, sessionKey(addr), value, sessionTTL).Err(); err != nil {
			s.logger.Printf("failed to register session for %s: %v", addr, err)
		}
	}()
}

// Touch refreshes the session TTL and the device shadow.
func (s *RedisSessions) Touch(addr netip.AddrPort) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTO)
		defer cancel()
		if err := s.client.Expire(ctx, sessionKey(addr), sessionTTL).Err(); err != nil {
			s.logger.Printf("failed to refresh session for %s: %v", addr, err)
			return
		}
		key := shadowKey(addr)
		s.client.HSet(ctx, key, "ts", time.Now().Unix())
		s.client.Expire(ctx, key, shadowTTL)
	}()
}

// Remove deletes the session key. The shadow is kept for its full TTL.
func (s *RedisSessions) Remove(addr netip.AddrPort) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTO)
		defer cancel()
		if err := s.client.Del(ctx, sessionKey(addr)).Err(); err != nil {
			s.logger.Printf("failed to remove session for %s: %v", addr, err)
		}
	}()
}
