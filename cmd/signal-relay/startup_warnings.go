package main

import (
	"log/slog"

	"github.com/parleyrtc/signal-relay/internal/config"
)

// logStartupSecurityWarnings surfaces configurations that are fine for
// development but risky on the open internet. The relay has no
// authentication layer at all, so operators rely on these to notice an
// over-permissive deployment.
func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	// Anyone who can reach the relay can join any room and address any
	// session. That is the intended trust model, but worth stating loudly in
	// prod.
	if cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: relay accepts unauthenticated clients; anyone who can connect can join any room",
			"warning_code", "open_trust_model",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS=0 allows unlimited concurrent sessions while --mode=prod",
			"warning_code", "unlimited_sessions_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.EmptyRoomTTL <= 0 {
		logger.Warn("startup warning: EMPTY_ROOM_TTL=0 retains empty rooms forever; room table grows monotonically",
			"warning_code", "empty_rooms_retained",
			"empty_room_ttl", cfg.EmptyRoomTTL,
			"mode", cfg.Mode,
		)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
