package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/jobcore/internal/api/middleware"
	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyCreator persists API keys. store.Store satisfies it.
type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

type createKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

var allowedScopes = map[string]bool{"read": true, "write": true, "admin": true}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is returned once; only its bcrypt hash is stored.
func NewCreateKeyHandler(keys KeyCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			OwnerID string   `json:"owner_id"`
			Name    string   `json:"name"`
			Scopes  []string `json:"scopes"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 16<<10)).Decode(&req); err != nil {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.InvalidRequest))
			return
		}
		req.OwnerID = strings.TrimSpace(req.OwnerID)
		req.Name = strings.TrimSpace(req.Name)
		if req.OwnerID == "" || req.Name == "" || len(req.OwnerID) > 128 || len(req.Name) > 128 {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.InvalidRequest))
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"read", "write"}
		}
		for _, s := range req.Scopes {
			if !allowedScopes[s] {
				response.Error(w, taxonomy.NewFor(ctx, taxonomy.InvalidRequest))
				return
			}
		}

		rawKey, err := generateKey()
		if err != nil {
			slog.Error("generate api key failed", "error", err)
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.InternalError))
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			slog.Error("hash api key failed", "error", err)
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.InternalError))
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			OwnerID:   req.OwnerID,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:mw.KeyPrefixLen],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := keys.CreateAPIKey(ctx, key); err != nil {
			slog.Error("create api key failed", "owner_id", req.OwnerID, "error", err)
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ServiceDegraded))
			return
		}

		admin, _ := mw.GetOwnerID(r)
		slog.Info("api key created", "key_id", key.ID, "owner_id", key.OwnerID, "created_by", admin)
		response.Created(w, createKeyResponse{
			ID:        key.ID,
			OwnerID:   key.OwnerID,
			Name:      key.Name,
			Key:       rawKey,
			KeyPrefix: key.KeyPrefix,
			Scopes:    key.Scopes,
			CreatedAt: key.CreatedAt,
		})
	}
}

// generateKey returns "jc_" followed by 48 hex characters.
func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "jc_" + hex.EncodeToString(buf), nil
}

// NewRunSweepHandler returns an http.HandlerFunc for POST /api/v1/admin/sweep.
func NewRunSweepHandler(sweeper SweepRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := sweeper.RunOnce(r.Context())
		if err != nil {
			slog.Error("manual sweep failed", "error", err)
			response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.ServiceDegraded))
			return
		}
		response.JSON(w, rep)
	}
}
