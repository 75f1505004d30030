package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/graceos/grace/core/pkg/core"
)

// ActorHeader names the identity header. Authentication is one identity
// string per caller; transport security is someone else's job.
const ActorHeader = "X-Grace-Actor"

type contextKey string

const actorKey contextKey = "grace.actor"

// Actor returns the authenticated caller identity, or "" outside the
// middleware chain.
func Actor(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

// publicPaths skip identity extraction and rate limiting.
var publicPaths = map[string]bool{
	"/health": true,
}

// ActorAuth resolves the caller identity from the actor header, letting a
// verified JWT subject override it when a key is configured.
type ActorAuth struct {
	hs256Key []byte
}

// NewActorAuth builds the identity middleware. A nil key disables Bearer
// token support entirely; presented tokens are then rejected, not ignored.
func NewActorAuth(hs256Key []byte) *ActorAuth {
	return &ActorAuth{hs256Key: hs256Key}
}

// Middleware extracts the actor and injects it into the request context.
// Requests without a resolvable identity are rejected, as are callers
// claiming a control-plane identity.
func (a *ActorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		actor := strings.TrimSpace(r.Header.Get(ActorHeader))

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if len(a.hs256Key) == 0 {
				WriteUnauthorized(w, r, "Bearer tokens are not configured")
				return
			}
			sub, err := a.subject(parts[1])
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			if sub == "" {
				WriteUnauthorized(w, r, "Token subject is required")
				return
			}
			actor = sub
		}

		if actor == "" {
			WriteUnauthorized(w, r, "Actor identity required: set "+ActorHeader)
			return
		}
		if core.SystemActor(actor) {
			WriteForbidden(w, r, "Control-plane identities cannot be claimed by callers")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

// subject verifies the token and returns its sub claim. Only HS256 is
// accepted; anything else fails closed.
func (a *ActorAuth) subject(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return a.hs256Key, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrTokenUnverifiable
	}
	return claims.Subject, nil
}

// ActorRateLimiter manages per-actor token buckets.
type ActorRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	stop     chan struct{}
	stopOnce sync.Once
}

// visitor tracks the limiter and last seen time for one actor.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewActorRateLimiter creates a limiter giving each actor rps tokens per
// second with the given burst, and starts the stale-visitor sweeper.
func NewActorRateLimiter(rps float64, burst int) *ActorRateLimiter {
	rl := &ActorRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *ActorRateLimiter) getVisitor(actor string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[actor]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[actor] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// sweep drops actors idle for three minutes so the map cannot grow
// without bound.
func (rl *ActorRateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for actor, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, actor)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the sweeper goroutine.
func (rl *ActorRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware enforces the per-actor limit. It must run after ActorAuth so
// the identity is already resolved.
func (rl *ActorRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := Actor(r.Context())
		if actor == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.getVisitor(actor).Allow() {
			WriteTooManyRequests(w, r, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}
