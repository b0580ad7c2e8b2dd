package relay

import (
	"log/slog"

	"relaychat/pkg/crypto"
	"relaychat/pkg/protocol"
)

// sealFunc encrypts line for one recipient and returns the base64 blob.
type sealFunc func(key *crypto.SessionKey, line string) (string, error)

func sealWithKey(key *crypto.SessionKey, line string) (string, error) {
	return key.Encrypt(line)
}

// Router fans lines out to sessions. Every recipient is handled on its own:
// encryption is per recipient key, and a failure for one recipient only
// changes what that recipient receives.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	seal     sealFunc
}

func NewRouter(registry *Registry, logger *slog.Logger, metrics *Metrics) *Router {
	return &Router{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		seal:     sealWithKey,
	}
}

// Broadcast delivers line to every active session, the originator included.
// It returns the number of recipients whose queue accepted the line.
func (r *Router) Broadcast(line string) int {
	delivered := 0
	for _, s := range r.registry.Active() {
		if r.Deliver(s, line) {
			delivered++
		}
	}
	return delivered
}

// Announce delivers line to every session that is not closed, whatever its
// state.
func (r *Router) Announce(line string) int {
	delivered := 0
	for _, s := range r.registry.Snapshot() {
		if s.State() == StateClosed {
			continue
		}
		if r.Deliver(s, line) {
			delivered++
		}
	}
	return delivered
}

// Deliver queues line for one recipient, sealed under the recipient's key
// when it has one. If sealing fails the recipient gets the plain line.
func (r *Router) Deliver(to *Session, line string) bool {
	wire, mode := line, ModePlaintext

	if key := to.key.Load(); key != nil {
		blob, err := r.seal(key, line)
		if err != nil {
			r.logger.Warn("encryption failed, sending plaintext",
				"session", to.id, "error", err)
			mode = ModeFallback
		} else {
			wire, mode = protocol.Envelope(blob), ModeEncrypted
		}
	}

	if !to.enqueue(wire) {
		r.metrics.Deliveries.WithLabelValues(ModeDropped).Inc()
		return false
	}
	r.metrics.Deliveries.WithLabelValues(mode).Inc()
	return true
}
