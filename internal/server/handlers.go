package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vividon/backend/internal/billing"
	apierrors "github.com/vividon/backend/internal/errors"
	"github.com/vividon/backend/internal/gemini"
	"github.com/vividon/backend/internal/generation"
	"github.com/vividon/backend/internal/invite"
	"github.com/vividon/backend/internal/ledger"
	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/middleware"
	"github.com/vividon/backend/internal/models"
	"github.com/vividon/backend/internal/monitoring"
	"github.com/vividon/backend/internal/pluginauth"
	"github.com/vividon/backend/internal/prompts"
)

// respondError sends the standard error envelope.
func respondError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: c.GetString(middleware.ContextKeyRequestID),
	})
}

// ---- Pairing ----

func (s *APIServer) handlePairingStart(c *gin.Context) {
	result, err := s.pairing.Start(c.Request.Context())
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *APIServer) handlePairingPoll(c *gin.Context) {
	result, err := s.pairing.Poll(c.Request.Context(), c.Param("token"))
	if err != nil {
		switch {
		case errors.Is(err, pluginauth.ErrSessionNotFound):
			respondError(c, apierrors.ErrNotFoundError)
		case errors.Is(err, pluginauth.ErrAlreadyRetrieved):
			// The session did complete; only the one-time credential is gone.
			c.JSON(http.StatusGone, gin.H{
				"status": models.PluginSessionCompleted,
				"error": apierrors.APIError{
					Code:    apierrors.ErrAlreadyRetrieved,
					Message: "Credentials were already retrieved for this session",
				},
				"request_id": c.GetString(middleware.ContextKeyRequestID),
			})
		default:
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	if result.Status == models.PluginSessionExpired {
		monitoring.RecordPairingSession("expired")
	}
	if result.APIKey != "" {
		monitoring.RecordPairingSession("completed")
	}
	c.JSON(http.StatusOK, result)
}

type pairingCompleteRequest struct {
	SessionToken string `json:"session_token" binding:"required"`
}

func (s *APIServer) handlePairingComplete(c *gin.Context) {
	var req pairingCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidInputError("session_token is required"))
		return
	}

	account := middleware.GetAccount(c)
	status, err := s.pairing.Complete(c.Request.Context(), req.SessionToken, account)
	if err != nil {
		switch {
		case errors.Is(err, pluginauth.ErrSessionNotFound):
			respondError(c, apierrors.ErrNotFoundError)
		case errors.Is(err, pluginauth.ErrSessionExpired):
			respondError(c, apierrors.ErrExpiredError)
		case errors.Is(err, pluginauth.ErrAlreadyRetrieved):
			respondError(c, apierrors.NewConflictError("Pairing session was already completed"))
		case errors.Is(err, pluginauth.ErrAccountBlocked):
			respondError(c, apierrors.ErrBlockedError)
		default:
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	if status == models.PluginSessionWaitlisted {
		monitoring.RecordPairingSession("waitlisted")
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// ---- Invites ----

func (s *APIServer) handleInviteValidate(c *gin.Context) {
	info, err := s.invites.Validate(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, mapInviteError(err))
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *APIServer) handleInviteAccept(c *gin.Context) {
	account := middleware.GetAccount(c)

	granted, err := s.invites.Accept(c.Request.Context(), c.Param("code"), account.ID, account.Email)
	if err != nil {
		respondError(c, mapInviteError(err))
		return
	}

	monitoring.RecordCreditsIssued("invite", granted)
	c.JSON(http.StatusOK, gin.H{
		"credits_granted": granted,
		"is_approved":     true,
	})
}

func mapInviteError(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, invite.ErrInviteNotFound):
		return apierrors.ErrNotFoundError
	case errors.Is(err, invite.ErrAlreadyUsed):
		return &apierrors.APIError{
			Code:       apierrors.ErrAlreadyUsed,
			Message:    "Invite has already been used",
			HTTPStatus: http.StatusConflict,
		}
	case errors.Is(err, invite.ErrExpired):
		return apierrors.ErrExpiredError
	case errors.Is(err, invite.ErrEmailMismatch):
		return &apierrors.APIError{
			Code:       apierrors.ErrForbidden,
			Message:    "This invite was issued for a different email address",
			HTTPStatus: http.StatusForbidden,
		}
	case errors.Is(err, invite.ErrAccountNotFound):
		return apierrors.ErrUnauthorizedError
	default:
		return apierrors.ErrInternalServerError
	}
}

// ---- API keys ----

func (s *APIServer) handleListKeys(c *gin.Context) {
	account := middleware.GetAccount(c)
	keys, err := s.keys.List(c.Request.Context(), account.ID)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

type createKeyRequest struct {
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *APIServer) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidInputError("name is required"))
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		respondError(c, apierrors.NewInvalidInputError("expires_at must be in the future"))
		return
	}

	account := middleware.GetAccount(c)
	issued, err := s.keys.Issue(c.Request.Context(), account.ID, req.Name, req.ExpiresAt)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, issued)
}

func (s *APIServer) handleRevokeKey(c *gin.Context) {
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidInputError("invalid key id"))
		return
	}

	account := middleware.GetAccount(c)
	revoked, err := s.keys.Revoke(c.Request.Context(), account.ID, keyID)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// ---- Prompt catalog ----

func (s *APIServer) handleListPrompts(c *gin.Context) {
	list, err := s.prompts.ListPublic(c.Request.Context())
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": list})
}

// ---- Generation ----

type generateRequest struct {
	Prompt      string `json:"prompt" binding:"required"`
	Image       []byte `json:"image" binding:"required"` // base64 in JSON
	MimeType    string `json:"mime_type"`
	QualityTier string `json:"quality_tier"`
}

type generateResponse struct {
	ID               uuid.UUID `json:"id"`
	Status           string    `json:"status"`
	Image            []byte    `json:"image"`
	MimeType         string    `json:"mime_type"`
	Model            string    `json:"model"`
	QualityTier      string    `json:"quality_tier"`
	CreditsCost      int       `json:"credits_cost"`
	CreditsRemaining int       `json:"credits_remaining"`
}

func (s *APIServer) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidInputError("prompt and image are required"))
		return
	}
	if req.MimeType == "" {
		req.MimeType = "image/png"
	}
	if req.QualityTier == "" {
		req.QualityTier = generation.TierBalanced
	}

	account := middleware.GetAccount(c)
	requestID := c.GetString(middleware.ContextKeyRequestID)

	gen, err := s.generations.Begin(c.Request.Context(), account.ID, req.QualityTier, req.Prompt, map[string]any{
		"mime_type":  req.MimeType,
		"image_size": len(req.Image),
	})
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		switch {
		case errors.Is(err, generation.ErrDisabled):
			respondError(c, apierrors.ErrDisabledError)
		case errors.As(err, &insufficient):
			respondError(c, apierrors.NewInsufficientCreditsError(insufficient.CreditsRemaining, insufficient.CreditCost))
		case errors.Is(err, ledger.ErrAccountNotFound):
			respondError(c, apierrors.ErrUnauthorizedError)
		default:
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	start := time.Now()
	result, err := s.provider.Generate(c.Request.Context(), &gemini.Request{
		Prompt:      req.Prompt,
		ImageData:   req.Image,
		MimeType:    req.MimeType,
		QualityTier: req.QualityTier,
	})
	latency := time.Since(start)

	if err != nil {
		// Failed generations are never charged; failing the record is the
		// only cleanup.
		failCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.generations.Fail(failCtx, gen.ID, err.Error())

		monitoring.RecordProviderCall(gemini.Model, req.QualityTier, "error", latency)
		monitoring.RecordGeneration(req.QualityTier, "failed", gen.CreditsCost)
		logging.LogGeneration(requestID, account.ID.String(), gen.ID.String(), req.QualityTier, "failed", 0, latency)

		switch {
		case errors.Is(err, gemini.ErrBadRequest):
			respondError(c, apierrors.NewInvalidInputError("The image provider rejected this request"))
		case errors.Is(err, gemini.ErrNoImage):
			respondError(c, apierrors.NewUpstreamError("The provider returned no image; the request may have been filtered. You were not charged.", false))
		default:
			respondError(c, apierrors.NewUpstreamError("Image generation failed. You were not charged.", gemini.Retryable(err)))
		}
		return
	}

	if err := s.generations.Complete(c.Request.Context(), gen); err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) || errors.Is(err, ledger.ErrLedgerInvariantViolation) {
			respondError(c, apierrors.NewInsufficientCreditsError(account.CreditsRemaining, gen.CreditsCost))
			return
		}
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	monitoring.RecordProviderCall(result.Model, req.QualityTier, "success", latency)
	monitoring.RecordGeneration(req.QualityTier, "completed", gen.CreditsCost)
	logging.LogGeneration(requestID, account.ID.String(), gen.ID.String(), req.QualityTier, "completed", gen.CreditsCost, latency)

	remaining := account.CreditsRemaining - gen.CreditsCost
	if fresh, err := s.ledger.Get(c.Request.Context(), account.ID); err == nil {
		remaining = fresh.CreditsRemaining
	}

	c.JSON(http.StatusOK, generateResponse{
		ID:               gen.ID,
		Status:           string(models.GenerationCompleted),
		Image:            result.ImageData,
		MimeType:         result.MimeType,
		Model:            result.Model,
		QualityTier:      req.QualityTier,
		CreditsCost:      gen.CreditsCost,
		CreditsRemaining: remaining,
	})
}

func (s *APIServer) handleGetGeneration(c *gin.Context) {
	genID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidInputError("invalid generation id"))
		return
	}

	account := middleware.GetAccount(c)
	gen, err := s.generations.Get(c.Request.Context(), account.ID, genID)
	if err != nil {
		if errors.Is(err, generation.ErrGenerationNotFound) {
			respondError(c, apierrors.ErrNotFoundError)
			return
		}
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gen)
}

// ---- Account ----

func (s *APIServer) handleGetMe(c *gin.Context) {
	c.JSON(http.StatusOK, middleware.GetAccount(c))
}

func (s *APIServer) handleGetUsage(c *gin.Context) {
	account := middleware.GetAccount(c)
	summary, err := s.ledger.GetUsageSummary(c.Request.Context(), account.ID)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ---- Billing ----

func (s *APIServer) handleListPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": s.billing.GetPackages()})
}

type checkoutRequest struct {
	PackageID string `json:"package_id" binding:"required"`
}

func (s *APIServer) handleCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidInputError("package_id is required"))
		return
	}

	account := middleware.GetAccount(c)
	resp, err := s.billing.CreateCheckoutSession(c.Request.Context(), account, req.PackageID)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidPackage) {
			respondError(c, apierrors.NewInvalidInputError("unknown credit package"))
			return
		}
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *APIServer) handlePortal(c *gin.Context) {
	account := middleware.GetAccount(c)
	url, err := s.billing.CreatePortalSession(c.Request.Context(), account)
	if err != nil {
		if errors.Is(err, billing.ErrNoCustomer) {
			respondError(c, apierrors.NewInvalidInputError("No billing history for this account yet"))
			return
		}
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"portal_url": url})
}

func (s *APIServer) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondError(c, apierrors.NewInvalidInputError("failed to read payload"))
		return
	}

	err = s.billing.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		monitoring.RecordWebhookEvent("stripe", "error")
		// 400 tells Stripe to retry everything except signature failures.
		respondError(c, apierrors.NewInvalidInputError("webhook processing failed"))
		return
	}

	monitoring.RecordWebhookEvent("stripe", "ok")
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// ---- Admin ----

func (s *APIServer) handleAdminListUsers(c *gin.Context) {
	accounts, err := s.ledger.ListAccounts(c.Request.Context())
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": accounts})
}

func (s *APIServer) handleAdminUpdateUser(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidInputError("invalid user id"))
		return
	}

	var updates ledger.AccountUpdates
	if err := c.ShouldBindJSON(&updates); err != nil {
		respondError(c, apierrors.NewInvalidInputError("invalid update payload"))
		return
	}

	account, err := s.ledger.UpdateFlags(c.Request.Context(), userID, updates)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			respondError(c, apierrors.ErrNotFoundError)
		case errors.Is(err, ledger.ErrInvalidAmount):
			respondError(c, apierrors.NewInvalidInputError("no fields to update"))
		default:
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}
	c.JSON(http.StatusOK, account)
}

type grantCreditsRequest struct {
	Amount      int    `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func (s *APIServer) handleAdminGrantCredits(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidInputError("invalid user id"))
		return
	}

	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		respondError(c, apierrors.NewInvalidInputError("amount must be a positive integer"))
		return
	}
	if req.Description == "" {
		req.Description = "Admin credit grant"
	}

	err = s.ledger.Credit(c.Request.Context(), userID, req.Amount, models.TransactionGrant, req.Description, nil)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			respondError(c, apierrors.ErrNotFoundError)
			return
		}
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	monitoring.RecordCreditsIssued("admin_grant", req.Amount)
	c.JSON(http.StatusOK, gin.H{"granted": req.Amount})
}

func (s *APIServer) handleAdminListInvites(c *gin.Context) {
	invites, err := s.invites.List(c.Request.Context())
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invites": invites})
}

type createInviteRequest struct {
	Email     string     `json:"email" binding:"required"`
	Credits   int        `json:"credits"`
	ExpiresAt *time.Time `json:"expires_at"`
	SendEmail bool       `json:"send_email"`
}

func (s *APIServer) handleAdminCreateInvite(c *gin.Context) {
	var req createInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidInputError("email is required"))
		return
	}

	account := middleware.GetAccount(c)
	inv, err := s.invites.Create(c.Request.Context(), account.ID, req.Email, req.Credits, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, invite.ErrDuplicateLive) {
			respondError(c, apierrors.NewConflictError("A live invite already exists for this email"))
			return
		}
		respondError(c, apierrors.NewInvalidInputError(err.Error()))
		return
	}

	if req.SendEmail {
		// Delivery is best-effort and must not hold the response.
		claimURL := s.config.Server.AppURL + "/invite/" + inv.Code
		go func(inv models.Invite) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.email.SendInvite(ctx, inv.Email, inv.Code, inv.CreditsToGrant, claimURL); err != nil {
				logger := logging.NewLogger("server")
				logger.Warn().Err(err).
					Str("invite_id", inv.ID.String()).
					Msg("Failed to send invite email")
				return
			}
			_ = s.invites.MarkSent(ctx, inv.ID)
		}(*inv)
	}

	c.JSON(http.StatusCreated, inv)
}

func (s *APIServer) handleAdminListPrompts(c *gin.Context) {
	entries, err := s.prompts.ListAll(c.Request.Context())
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": entries})
}

type createPromptRequest struct {
	Name            string  `json:"name" binding:"required"`
	Prompt          string  `json:"prompt" binding:"required"`
	Category        string  `json:"category" binding:"required"`
	PreviewImageURL *string `json:"preview_image_url"`
	IsPublic        *bool   `json:"is_public"`
	SortOrder       int     `json:"sort_order"`
}

func (s *APIServer) handleAdminCreatePrompt(c *gin.Context) {
	var req createPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidInputError("name, prompt and category are required"))
		return
	}

	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	entry, err := s.prompts.Create(c.Request.Context(), req.Name, req.Prompt, req.Category,
		req.PreviewImageURL, isPublic, req.SortOrder)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *APIServer) handleAdminDeletePrompt(c *gin.Context) {
	promptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidInputError("invalid prompt id"))
		return
	}

	if err := s.prompts.Delete(c.Request.Context(), promptID); err != nil {
		if errors.Is(err, prompts.ErrPromptNotFound) {
			respondError(c, apierrors.ErrNotFoundError)
			return
		}
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *APIServer) handleAdminRevokeInvite(c *gin.Context) {
	inviteID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidInputError("invalid invite id"))
		return
	}

	err = s.invites.Revoke(c.Request.Context(), inviteID)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrInviteNotFound):
			respondError(c, apierrors.ErrNotFoundError)
		case errors.Is(err, invite.ErrAlreadyUsed):
			respondError(c, apierrors.NewConflictError("Used invites cannot be revoked"))
		default:
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}
	c.Status(http.StatusNoContent)
}
