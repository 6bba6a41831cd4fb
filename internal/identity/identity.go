// Package identity manages the stable node id. The id is generated
// once from platform details, the clock and random entropy, persisted
// through the store, and reused on every restart after that.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/store"
)

const idPrefix = "node-"

// Identity is the stable local node identity.
type Identity struct {
	ID string
}

// LoadOrCreate returns the persisted identity, generating and
// persisting a fresh one when none exists. A failed read counts as
// absent; a failed write is logged and the generated id is used for
// this process lifetime anyway.
func LoadOrCreate(ctx context.Context, st store.Store, logger *slog.Logger) (Identity, error) {
	log := logger.With("component", "identity")

	if data, err := st.Get(ctx, store.KeyIdentity); err == nil {
		id := strings.TrimSpace(string(data))
		if valid(id) {
			log.Debug("loaded identity", "node_id", ShortID(id))
			return Identity{ID: id}, nil
		}
		log.Warn("persisted identity invalid, regenerating", "raw", id)
	} else if !store.IsNotFound(err) {
		log.Warn("identity read failed, regenerating", "error", err)
	}

	id := generate()
	if err := st.Set(ctx, store.KeyIdentity, []byte(id)); err != nil {
		log.Warn("identity persist failed, running with ephemeral id", "error", err)
	} else {
		log.Info("created identity", "node_id", ShortID(id))
	}
	return Identity{ID: id}, nil
}

// generate hashes platform, time and entropy down to a short hex id.
func generate() string {
	host, _ := os.Hostname()
	seed := fmt.Sprintf("%s|%s-%s|%d|%s",
		host, runtime.GOOS, runtime.GOARCH, time.Now().UnixNano(), entropy())
	sum := sha256.Sum256([]byte(seed))
	return idPrefix + hex.EncodeToString(sum[:])[:16]
}

func entropy() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func valid(id string) bool {
	return strings.HasPrefix(id, idPrefix) && len(id) == len(idPrefix)+16
}

// ShortID truncates an id for log fields.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
