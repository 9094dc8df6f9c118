package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const adminIDKey = "admin_id"

// AdminOnly admits requests whose X-Admin-ID passes isAdmin.
func AdminOnly(isAdmin func(userID int64) bool) gin.HandlerFunc {
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader("X-Admin-ID"), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": NewAppError(http.StatusUnauthorized, "missing admin id", nil)})
			return
		}
		if !isAdmin(id) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": NewAppError(http.StatusForbidden, "forbidden", nil)})
			return
		}
		c.Set(adminIDKey, id)
		c.Next()
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserLimiter hands out one token bucket per buyer.
type UserLimiter struct {
	mu      sync.Mutex
	users   map[int64]*limiterEntry
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
}

func NewUserLimiter(perMinute int, idleTTL time.Duration) *UserLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &UserLimiter{
		users:   make(map[int64]*limiterEntry),
		rate:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idleTTL: idleTTL,
	}
}

func (l *UserLimiter) Allow(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.users[userID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.users[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Sweep forgets buyers idle for longer than the idle TTL.
func (l *UserLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entry := range l.users {
		if time.Since(entry.lastSeen) > l.idleTTL {
			delete(l.users, id)
		}
	}
}
