package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// allowScript counts one event against KEYS[1] unless ARGV[1] events were
// already counted. The key expires ARGV[2] milliseconds after the first event
// of a window.
var allowScript = redis.NewScript(`
local n = redis.call('GET', KEYS[1])
if n and tonumber(n) >= tonumber(ARGV[1]) then
	return 0
end
n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisLimiter is a fixed-window limiter whose counters live in Redis, so
// they survive process restarts.
type RedisLimiter struct {
	client redis.Scripter
	rules  map[Kind]Rule
	prefix string
	log    logrus.FieldLogger
}

// NewRedisLimiter creates a RedisLimiter enforcing rules. Redis errors are
// logged and the event is allowed.
func NewRedisLimiter(client redis.Scripter, rules map[Kind]Rule, logger logrus.FieldLogger) *RedisLimiter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLimiter{
		client: client,
		rules:  copyRules(rules),
		prefix: "ratelimit:",
		log:    logger,
	}
}

// Allow reports whether client may perform another event of kind now.
func (l *RedisLimiter) Allow(client string, kind Kind) bool {
	rule, ok := l.rules[kind]
	if !ok || rule.Max <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := l.prefix + string(kind) + ":" + client
	res, err := allowScript.Run(ctx, l.client, []string{key}, rule.Max, rule.Window.Milliseconds()).Int()
	if err != nil {
		l.log.WithError(err).WithField("key", client).Warn("ratelimit: redis unavailable, allowing event")
		return true
	}
	return res == 1
}
